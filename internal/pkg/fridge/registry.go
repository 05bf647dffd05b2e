package fridge

import (
	"sort"
	"sync"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/stream"
)

// Registry routes inbound frames to devices by their MAC identifier.
// Devices are added once at discovery time and never removed.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
	}
}

func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	r.devices[d.MAC()] = d
	r.mu.Unlock()
}

func (r *Registry) Get(mac string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[mac]
	return d, ok
}

// All returns the devices in a stable order.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MAC() < all[j].MAC() })
	return all
}

// HandleFrame is the stream handler: frames for unknown devices are
// dropped with a warning, never fatal.
func (r *Registry) HandleFrame(frame stream.Frame) {
	d, ok := r.Get(frame.MACAddress)
	if !ok {
		logging.Logger(nil).Warnf("Got a message for a device we don't know about: %s", frame.MACAddress)
		return
	}
	d.HandleFrame(frame)
}
