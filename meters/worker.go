package meters

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Worker repeatedly scans for registered meters and stores what they advertise.
type Worker struct {
	// time between the starts of two scan cycles
	Interval time.Duration
	// how long one scan listens for advertisements
	ScanDuration time.Duration

	Registry *Registry
	Store    Store
	Scanner  Scanner
	Decode   DecodeFunc

	// description of the service data record the decoder understands
	ServiceDataKind string

	// drop all stored readings at the start of every cycle
	ClearBeforeScan bool

	Sinks    []Sink
	Observer Observer

	// defaults to time.Now
	Now func() time.Time
}

// Run loops until ctx is cancelled. A failed cycle is logged and retried on the next interval.
func (worker *Worker) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"interval":  worker.Interval,
		"scanDur":   worker.ScanDuration,
		"locations": worker.Registry.Locations(),
		"clear":     worker.ClearBeforeScan,
	}).Info("scan worker started")

	for {
		if ctx.Err() != nil {
			log.Info("scan worker stopped")
			return ctx.Err()
		}

		start := time.Now()
		if err := worker.Cycle(ctx); err != nil {
			log.Errorf("scan cycle failed, retrying in %s: %s", worker.Interval, err)
		}

		wait := worker.Interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Cycle runs one bounded scan. Only stored locations that were heard from are replaced,
// unless ClearBeforeScan is set.
func (worker *Worker) Cycle(ctx context.Context) error {
	if worker.ClearBeforeScan {
		if err := worker.Store.Clear(ctx); err != nil {
			log.Errorf("failed to clear readings before scan: %s", err)
		}
	}

	log.Debugf("scanning for %s", worker.ScanDuration)
	err := worker.Scanner.Scan(ctx, worker.ScanDuration, func(discovery Discovery) {
		worker.HandleDiscovery(ctx, discovery)
	})
	if err == nil || ctx.Err() != nil {
		return nil
	}

	var facilityErr *ScanFacilityError
	if !errors.As(err, &facilityErr) {
		facilityErr = &ScanFacilityError{Err: err}
	}
	if worker.Observer != nil {
		worker.Observer.ObserveScanFailure(facilityErr)
	}
	return facilityErr
}

// HandleDiscovery decodes and stores the advertisement of a registered meter. Anything else is ignored.
func (worker *Worker) HandleDiscovery(ctx context.Context, discovery Discovery) {
	location, err := worker.Registry.Resolve(discovery.Address)
	if err != nil {
		log.Debugf("ignoring %s: %s", discovery.Address, err)
		return
	}

	logger := log.WithFields(log.Fields{
		"location": location,
		"addr":     discovery.Address,
	})
	if log.IsLevelEnabled(log.DebugLevel) {
		logger.WithFields(log.Fields{
			"rssi":        discovery.RSSI,
			"connectable": discovery.Connectable,
		}).Debugf("discovered meter")
		for i, record := range discovery.ServiceData {
			logger.Debugf("%d: %d, %s, %x", i+1, record.ID, record.Description, record.Value)
		}
	}

	record, ok := discovery.Find(worker.ServiceDataKind)
	if !ok {
		logger.Debugf("no %s in advertisement", worker.ServiceDataKind)
		return
	}

	reading, err := worker.Decode(record.Value, worker.now())
	if err != nil {
		logger.WithField("kind", DecodeErrorKind(err)).Warnf("failed to decode service data %x: %s", record.Value, err)
		if worker.Observer != nil {
			worker.Observer.ObserveDecodeError(location, err)
		}
		return
	}
	reading.Location = location

	if err := worker.Store.Upsert(ctx, reading); err != nil {
		logger.Errorf("failed to store reading: %s", err)
		return
	}
	logger.WithFields(log.Fields{
		"temperature": reading.Temperature,
		"humidity":    reading.Humidity,
		"battery":     reading.Battery,
	}).Debug("stored reading")

	for _, sink := range worker.Sinks {
		if err := sink.Publish(ctx, reading); err != nil {
			logger.Errorf("failed to publish reading to %s: %s", sink.Name(), err)
		}
	}
}

func (worker *Worker) now() time.Time {
	if worker.Now != nil {
		return worker.Now()
	}
	return time.Now()
}
