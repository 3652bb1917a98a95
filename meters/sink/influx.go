package sink

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/alepar/meters/meters"
)

const measurement = "meter_reading"

// Influx keeps the history the Store drops, one point per reading.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (sink *Influx) Name() string {
	return "influxdb"
}

func (sink *Influx) Publish(ctx context.Context, reading meters.Reading) error {
	err := sink.writeAPI.WritePoint(ctx, newPoint(reading))
	return errors.Wrapf(err, "write point for %q", reading.Location)
}

func (sink *Influx) Close() {
	sink.client.Close()
}

func newPoint(reading meters.Reading) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{"location": reading.Location},
		map[string]interface{}{
			"temperature": reading.Temperature,
			"humidity":    reading.Humidity,
			"battery":     reading.Battery,
		},
		reading.Time,
	)
}
