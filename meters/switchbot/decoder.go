package switchbot

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/alepar/meters/meters"
)

// ServiceDataKind is the service data record a Meter (WoSensorTH) advertises its values in.
const ServiceDataKind = "16b Service Data"

// Service data layout, offsets into the raw value (UUID bytes included):
//
//	00 01  02 03  04       05        06       07
//	00 0d  .. ..  battery  temp-dec  temp-int humidity
const (
	markerByte0 = 0x00
	markerByte1 = 0x0d

	batteryOffset     = 4
	tempDecimalOffset = 5
	tempIntegerOffset = 6
	humidityOffset    = 7

	minPayloadLen = 8

	temperatureBias = 128
)

// Decode parses the service data of a Meter into a Reading taken at the given time.
// Humidity is passed through as reported, even above 100.
func Decode(value []byte, at time.Time) (meters.Reading, error) {
	if len(value) < 2 || value[0] != markerByte0 || value[1] != markerByte1 {
		return meters.Reading{}, errors.Wrapf(meters.ErrUnrecognizedFormat, "service data %x", value)
	}
	if len(value) < minPayloadLen {
		return meters.Reading{}, errors.Wrapf(meters.ErrMalformedPayload, "expected at least %d bytes, got %d", minPayloadLen, len(value))
	}

	battery := int(value[batteryOffset] & 0x7f)
	decimal := float64(value[tempDecimalOffset]&0x0f) / 10.0
	temperature := float64(int(value[tempIntegerOffset])-temperatureBias) + decimal
	humidity := int(value[humidityOffset])

	return meters.Reading{
		Time:        at.Truncate(time.Second),
		Temperature: math.Round(temperature*10) / 10,
		Humidity:    humidity,
		Battery:     battery,
	}, nil
}
