package meters

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Device binds a meter's hardware address to the location it reports for.
type Device struct {
	Address  string
	Location string
}

// Registry is the static set of known meters. It is read-only after NewRegistry.
type Registry struct {
	byAddress map[string]string
}

func NewRegistry(devices []Device) (*Registry, error) {
	registry := &Registry{byAddress: make(map[string]string, len(devices))}
	locations := make(map[string]bool, len(devices))
	for _, device := range devices {
		addr := normalizeAddress(device.Address)
		if addr == "" {
			return nil, errors.Errorf("empty address for location %q", device.Location)
		}
		if device.Location == "" {
			return nil, errors.Errorf("empty location for address %s", device.Address)
		}
		if _, ok := registry.byAddress[addr]; ok {
			return nil, errors.Errorf("duplicate device address %s", device.Address)
		}
		if locations[device.Location] {
			return nil, errors.Errorf("duplicate location %q", device.Location)
		}
		registry.byAddress[addr] = device.Location
		locations[device.Location] = true
	}
	return registry, nil
}

// Resolve returns the location registered for addr, matching case-insensitively.
func (registry *Registry) Resolve(addr string) (string, error) {
	location, ok := registry.byAddress[normalizeAddress(addr)]
	if !ok {
		return "", ErrNotRegistered
	}
	return location, nil
}

// Locations returns every registered location, sorted.
func (registry *Registry) Locations() []string {
	locations := make([]string, 0, len(registry.byAddress))
	for _, location := range registry.byAddress {
		locations = append(locations, location)
	}
	sort.Strings(locations)
	return locations
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
