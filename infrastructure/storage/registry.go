// Package storage implements the virtual file system that gives every step
// location-transparent save/load over pluggable backends.
//
// Backends are registered explicitly on a Registry at process start
// (RegisterDefaults registers the built-in ones). Each worker obtains its
// own FileManager from the registry; a FileManager lazily opens one
// instance per backend and never shares instances with other handles.
package storage

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// Registry maps backend names to factories. It is safe for concurrent use.
type Registry struct {
	factories map[domain.Backend]ports.BackendFactory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.Backend]ports.BackendFactory)}
}

// Options configures the built-in backends.
type Options struct {
	// Root is the directory durable backends store data under.
	Root string

	// DiskWriteBytesPerSecond throttles disk writes; zero disables it.
	DiskWriteBytesPerSecond int

	// ChunkSize is the default chunk size of the chunked store in bytes.
	ChunkSize int

	// CompressionLevel is the default zstd level of the chunked store.
	CompressionLevel int
}

// RegisterDefaults registers the memory, disk and chunked backends.
func RegisterDefaults(r *Registry, opts Options) error {
	if opts.Root == "" {
		return ports.NewConfigError("storage.root", ports.ErrConfigNotFound)
	}
	if err := r.Register(domain.BackendMemory, func() (ports.StorageBackend, error) {
		return NewMemoryBackend(), nil
	}); err != nil {
		return err
	}
	if err := r.Register(domain.BackendDisk, func() (ports.StorageBackend, error) {
		return NewDiskBackend(opts.Root, opts.DiskWriteBytesPerSecond)
	}); err != nil {
		return err
	}
	return r.Register(domain.BackendChunked, func() (ports.StorageBackend, error) {
		return NewChunkedBackend(opts.Root, ports.StoreOptions{
			ChunkSize:        opts.ChunkSize,
			CompressionLevel: opts.CompressionLevel,
		})
	})
}

// Register adds or replaces the factory for a backend name.
func (r *Registry) Register(name domain.Backend, factory ports.BackendFactory) error {
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for backend %s cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
	return nil
}

// Factory returns the factory registered for name. Unknown names fail with
// ErrUnknownBackend and suggest the closest registered name.
func (r *Registry) Factory(name domain.Backend) (ports.BackendFactory, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if ok {
		return factory, nil
	}

	if suggestion := r.closest(string(name)); suggestion != "" {
		return nil, fmt.Errorf("%w: %q (did you mean %q?)", ports.ErrUnknownBackend, name, suggestion)
	}
	return nil, fmt.Errorf("%w: %q", ports.ErrUnknownBackend, name)
}

// Has reports whether a backend is registered.
func (r *Registry) Has(name domain.Backend) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// NewHandle creates a FileManager with its own, empty instance cache.
func (r *Registry) NewHandle() *FileManager {
	return newFileManager(r)
}

// closest returns the registered name nearest to name, if it is close
// enough to be a plausible typo.
func (r *Registry) closest(name string) string {
	best, bestDist := "", len(name)/2+1
	for _, candidate := range r.Backends() {
		d := levenshtein.ComputeDistance(name, string(candidate))
		if d < bestDist {
			best, bestDist = string(candidate), d
		}
	}
	return best
}
