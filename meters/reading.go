package meters

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// TimeLayout is the wire format of Reading.Time.
const TimeLayout = "2006-01-02 15:04:05"

// Reading is one decoded meter snapshot. Values are never mutated once stored.
type Reading struct {
	// capture time, second precision
	Time time.Time

	Location string

	// units: degrees Celsius, one decimal
	Temperature float64

	// units: % of relative humidity, as reported by the meter
	Humidity int

	// units: %, 7 bits
	Battery int
}

type readingJSON struct {
	Time        string  `json:"time"`
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Humidity    int     `json:"humidity"`
	Battery     int     `json:"battery"`
}

func (reading Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		Time:        reading.Time.Format(TimeLayout),
		Location:    reading.Location,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		Battery:     reading.Battery,
	})
}

func (reading *Reading) UnmarshalJSON(data []byte) error {
	var raw readingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := time.ParseInLocation(TimeLayout, raw.Time, time.Local)
	if err != nil {
		return errors.Wrapf(err, "invalid reading time %q", raw.Time)
	}
	*reading = Reading{
		Time:        t,
		Location:    raw.Location,
		Temperature: raw.Temperature,
		Humidity:    raw.Humidity,
		Battery:     raw.Battery,
	}
	return nil
}
