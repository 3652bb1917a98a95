package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/meters/meters"
)

type handlers struct {
	query *meters.QueryService
}

// NewRouter serves the meter queries, /health and the metrics of gatherer at /metrics.
func NewRouter(query *meters.QueryService, gatherer prometheus.Gatherer) *mux.Router {
	h := &handlers{query: query}

	router := mux.NewRouter()
	router.HandleFunc("/meters", h.allMeters).Methods(http.MethodGet)
	router.HandleFunc("/meters/{location}", h.meterByLocation).Methods(http.MethodGet)
	router.HandleFunc("/humidity/{location}", h.humidityByLocation).Methods(http.MethodGet)
	router.HandleFunc("/temperature/{location}", h.temperatureByLocation).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeText(w, "OK")
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(
		gatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)).Methods(http.MethodGet)
	router.Use(requestLogger)
	return router
}

func (h *handlers) allMeters(w http.ResponseWriter, r *http.Request) {
	readings, err := h.query.AllReadings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, readings)
}

func (h *handlers) meterByLocation(w http.ResponseWriter, r *http.Request) {
	reading, err := h.query.ReadingByLocation(r.Context(), mux.Vars(r)["location"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, reading)
}

func (h *handlers) humidityByLocation(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	humidity, err := h.query.HumidityByLocation(r.Context(), location)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Debugf("humidity in %s %d", location, humidity)
	writeText(w, strconv.Itoa(humidity))
}

func (h *handlers) temperatureByLocation(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	temperature, err := h.query.TemperatureByLocation(r.Context(), location)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Debugf("temperature in %s %.1f", location, temperature)
	writeText(w, strconv.FormatFloat(temperature, 'f', 1, 64))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write JSON: %s", err)
	}
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(s)); err != nil {
		log.Errorf("failed to write response: %s", err)
	}
}

// writeError answers 204 for locations without a reading. Other failures are logged, not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, meters.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.WithField("path", r.URL.Path).Errorf("query failed: %s", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
