package service

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DeviceRegistry is the in-memory keyed map of client devices.
// Duplicate names are permitted; ids are distinct.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]Device

	ttl time.Duration
}

// NewDeviceRegistry creates a registry. Devices idle longer than ttl are
// removed by Sweep.
func NewDeviceRegistry(ttl time.Duration) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]Device),
		ttl:     ttl,
	}
}

// Register creates a device and generates its id.
func (r *DeviceRegistry) Register(name, deviceType string, caps DeviceCapabilities) (*Device, error) {
	if name == "" {
		return nil, E(KindInvalidArgument, "device name is required").WithDetails(map[string]any{"field": "name"})
	}

	if !slices.Contains(DeviceTypes, deviceType) {
		return nil, Ef(KindInvalidArgument, "unknown device type %q", deviceType).WithDetails(map[string]any{"field": "type"})
	}

	now := time.Now().UTC()
	dev := Device{
		ID:           "dev_" + ulid.Make().String(),
		Name:         name,
		Type:         deviceType,
		Capabilities: caps,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	r.mu.Lock()
	r.devices[dev.ID] = dev
	r.mu.Unlock()

	return &dev, nil
}

// Get returns the device or nil when absent.
func (r *DeviceRegistry) Get(id string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[id]
	if !ok {
		return nil
	}

	return &dev
}

// List returns all devices sorted by id.
func (r *DeviceRegistry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}

	slices.SortFunc(out, func(a, b Device) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	return out
}

// Touch updates the device heartbeat.
func (r *DeviceRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[id]; ok {
		dev.LastSeenAt = time.Now().UTC()
		r.devices[id] = dev
	}
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

// Sweep removes devices idle longer than the device TTL.
func (r *DeviceRegistry) Sweep() {
	cutoff := time.Now().UTC().Add(-r.ttl)

	r.mu.Lock()
	var evicted int
	for id, dev := range r.devices {
		if dev.LastSeenAt.Before(cutoff) {
			delete(r.devices, id)
			evicted++
		}
	}
	r.mu.Unlock()

	if evicted > 0 {
		slog.Info("device sweep", "evicted", evicted)
	}
}
