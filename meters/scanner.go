package meters

import (
	"context"
	"time"
)

// ServiceData is one service data record of an advertisement.
type ServiceData struct {
	// AD type of the record, e.g. 0x16 for 16-bit UUID service data
	ID          int
	Description string
	// UUID bytes (little-endian) followed by the record data
	Value []byte
}

// Discovery is a single advertisement observed during a scan.
// TODO add the address type (public/random) once go-ble's Advertisement exposes it.
type Discovery struct {
	Address     string
	RSSI        int
	Connectable bool
	ServiceData []ServiceData
}

// Find returns the first service data record with the given description.
func (discovery Discovery) Find(description string) (ServiceData, bool) {
	for _, record := range discovery.ServiceData {
		if record.Description == description {
			return record, true
		}
	}
	return ServiceData{}, false
}

type Scanner interface {

	// blocks for at most duration, calling handle once per advertisement received
	Scan(ctx context.Context, duration time.Duration, handle func(Discovery)) error
}

// DecodeFunc turns a raw service data value into a Reading captured at the given time.
// The returned Reading has no Location.
type DecodeFunc func(value []byte, at time.Time) (Reading, error)

// Sink receives every stored Reading.
type Sink interface {
	Name() string
	Publish(ctx context.Context, reading Reading) error
}

// Observer is told about worker failures that do not produce a Reading.
type Observer interface {
	ObserveDecodeError(location string, err error)
	ObserveScanFailure(err error)
}
