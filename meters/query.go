package meters

import (
	"context"
)

// QueryService is the read-only view over a Store used by the HTTP boundary.
type QueryService struct {
	store Store
}

func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

func (query *QueryService) AllReadings(ctx context.Context) ([]Reading, error) {
	return query.store.All(ctx)
}

func (query *QueryService) ReadingByLocation(ctx context.Context, location string) (Reading, error) {
	return query.store.Get(ctx, location)
}

func (query *QueryService) HumidityByLocation(ctx context.Context, location string) (int, error) {
	reading, err := query.store.Get(ctx, location)
	if err != nil {
		return 0, err
	}
	return reading.Humidity, nil
}

func (query *QueryService) TemperatureByLocation(ctx context.Context, location string) (float64, error) {
	reading, err := query.store.Get(ctx, location)
	if err != nil {
		return 0, err
	}
	return reading.Temperature, nil
}
