package meters

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnrecognizedFormat is returned by decoders for payloads of another sensor class.
	ErrUnrecognizedFormat = errors.New("unrecognized service data format")

	// ErrMalformedPayload is returned by decoders for payloads that are too short to decode.
	ErrMalformedPayload = errors.New("malformed service data payload")

	ErrNotRegistered = errors.New("device not registered")

	// ErrNotFound means no reading has been stored for a location yet.
	ErrNotFound = errors.New("reading not found")
)

// ScanFacilityError wraps a failure of the BLE adapter itself. It is retried on the next cycle.
type ScanFacilityError struct {
	Err error
}

func (e *ScanFacilityError) Error() string {
	return "ble scan failed: " + e.Err.Error()
}

func (e *ScanFacilityError) Unwrap() error {
	return e.Err
}

func (e *ScanFacilityError) Cause() error {
	return e.Err
}

// DecodeErrorKind names the decode failure class of err, for logs and metric labels.
func DecodeErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnrecognizedFormat):
		return "unrecognized_format"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "other"
	}
}
