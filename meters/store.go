package meters

import (
	"context"
	"sort"
	"sync"
)

// Store keeps the latest Reading per location.
// Upsert replaces the whole Reading for its location atomically; readers never see a mix of two.
type Store interface {
	Upsert(ctx context.Context, reading Reading) error

	// returns ErrNotFound when the location has no reading
	Get(ctx context.Context, location string) (Reading, error)

	// returns one reading per location, sorted by location
	All(ctx context.Context) ([]Reading, error)

	Clear(ctx context.Context) error

	Close() error
}

// MemoryStore is the volatile Store backend.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string]Reading
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{readings: map[string]Reading{}}
}

func (store *MemoryStore) Upsert(_ context.Context, reading Reading) error {
	store.mu.Lock()
	store.readings[reading.Location] = reading
	store.mu.Unlock()
	return nil
}

func (store *MemoryStore) Get(_ context.Context, location string) (Reading, error) {
	store.mu.RLock()
	reading, ok := store.readings[location]
	store.mu.RUnlock()
	if !ok {
		return Reading{}, ErrNotFound
	}
	return reading, nil
}

func (store *MemoryStore) All(_ context.Context) ([]Reading, error) {
	store.mu.RLock()
	all := make([]Reading, 0, len(store.readings))
	for _, reading := range store.readings {
		all = append(all, reading)
	}
	store.mu.RUnlock()

	SortByLocation(all)
	return all, nil
}

func (store *MemoryStore) Clear(_ context.Context) error {
	store.mu.Lock()
	store.readings = map[string]Reading{}
	store.mu.Unlock()
	return nil
}

func (store *MemoryStore) Close() error {
	return nil
}

// SortByLocation orders readings by location name, in place.
func SortByLocation(readings []Reading) {
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Location < readings[j].Location
	})
}
