// Package devices tracks the accelerator devices available to a process
// and hands them out to wells at compile time.
package devices

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// ReleaseHook frees device-side caches for one device.
type ReleaseHook func(device int)

// Registry is the process-wide device registry. Assignment counts are
// compile-time bookkeeping; occupancy counts track wells currently
// executing on a device. Neither prevents oversubscription: two wells
// assigned the same device may run at the same time.
type Registry struct {
	mu          sync.Mutex
	initialized bool
	assigned    []int
	occupancy   []int
	byWell      map[string]int
	hooks       []ReleaseHook
	logger      *slog.Logger
}

var (
	_ ports.DeviceAssigner = (*Registry)(nil)
	_ ports.DeviceTracker  = (*Registry)(nil)
)

// NewRegistry creates an uninitialized registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byWell: make(map[string]int),
		logger: logger,
	}
}

// Initialize sets up count devices. Only the first call has an effect; it
// reports whether this call performed the initialization.
func (r *Registry) Initialize(count int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Debug("device registry already initialized", "devices", len(r.assigned))
		return false
	}
	count = max(count, 0)
	r.assigned = make([]int, count)
	r.occupancy = make([]int, count)
	r.initialized = true
	r.logger.Info("device registry initialized", "devices", count)
	return true
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assigned)
}

// Assign returns the device for well. A well seen before keeps its device;
// otherwise the device with the fewest assignments wins, ties going to the
// lowest ID.
func (r *Registry) Assign(well string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.byWell[well]; ok {
		return d, nil
	}
	if len(r.assigned) == 0 {
		return domain.NoDevice, domain.ErrNoDevices
	}

	best := 0
	for d := 1; d < len(r.assigned); d++ {
		if r.assigned[d] < r.assigned[best] {
			best = d
		}
	}
	r.assigned[best]++
	r.byWell[well] = best
	r.logger.Debug("device assigned", "well", well, "device", best, "load", r.assigned[best])
	return best, nil
}

// Assignments returns a copy of the well to device table.
func (r *Registry) Assignments() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.byWell)
}

// Activate marks one more well as executing on device.
func (r *Registry) Activate(device int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valid(device) {
		r.occupancy[device]++
	}
}

// Deactivate reverses Activate. Occupancy never drops below zero.
func (r *Registry) Deactivate(device int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valid(device) && r.occupancy[device] > 0 {
		r.occupancy[device]--
	}
}

// Occupancy returns a snapshot of per-device occupancy.
func (r *Registry) Occupancy() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.occupancy)
}

// OnRelease registers a hook run by ReleaseCaches.
func (r *Registry) OnRelease(hook ReleaseHook) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// ReleaseCaches runs every release hook for device. Hooks run outside the
// registry lock.
func (r *Registry) ReleaseCaches(device int) {
	r.mu.Lock()
	if !r.valid(device) {
		r.mu.Unlock()
		return
	}
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	for _, h := range hooks {
		h(device)
	}
}

func (r *Registry) valid(device int) bool {
	return device >= 0 && device < len(r.occupancy)
}
