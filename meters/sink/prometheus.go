package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alepar/meters/meters"
)

// Prometheus exposes the latest reading of every location as gauges, and counts worker failures.
type Prometheus struct {
	temperature *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	battery     *prometheus.GaugeVec
	lastSeen    *prometheus.GaugeVec

	readings     *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	scanFailures prometheus.Counter
}

func newGauge(name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		[]string{"location"},
	)
}

func NewPrometheus(registerer prometheus.Registerer) *Prometheus {
	sink := &Prometheus{
		temperature: newGauge("meter_temperature_celsius", "Air Temperature (units: degrees Celsius)"),
		humidity:    newGauge("meter_humidity_percent", "Humidity (units: % of relative Humidity)"),
		battery:     newGauge("meter_battery_percent", "Meter battery level (units: %)"),
		lastSeen:    newGauge("meter_last_reading_timestamp_seconds", "Capture time of the latest reading (units: unix seconds)"),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_readings_total",
			Help: "Readings decoded and stored.",
		}, []string{"location"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_decode_errors_total",
			Help: "Advertisements of registered meters that could not be decoded.",
		}, []string{"kind"}),
		scanFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meter_scan_failures_total",
			Help: "Scan cycles that failed because of the BLE adapter.",
		}),
	}

	registerer.MustRegister(
		sink.temperature,
		sink.humidity,
		sink.battery,
		sink.lastSeen,
		sink.readings,
		sink.decodeErrors,
		sink.scanFailures,
	)
	return sink
}

func (sink *Prometheus) Name() string {
	return "prometheus"
}

func (sink *Prometheus) Publish(_ context.Context, reading meters.Reading) error {
	sink.temperature.WithLabelValues(reading.Location).Set(reading.Temperature)
	sink.humidity.WithLabelValues(reading.Location).Set(float64(reading.Humidity))
	sink.battery.WithLabelValues(reading.Location).Set(float64(reading.Battery))
	sink.lastSeen.WithLabelValues(reading.Location).Set(float64(reading.Time.Unix()))
	sink.readings.WithLabelValues(reading.Location).Inc()
	return nil
}

func (sink *Prometheus) ObserveDecodeError(_ string, err error) {
	sink.decodeErrors.WithLabelValues(meters.DecodeErrorKind(err)).Inc()
}

func (sink *Prometheus) ObserveScanFailure(error) {
	sink.scanFailures.Inc()
}
