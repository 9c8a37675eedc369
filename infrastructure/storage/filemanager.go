package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// FileManager is a VFS handle. It opens at most one instance per backend,
// lazily, and keeps them private: two handles never observe each other's
// in-memory writes even for identical logical paths.
//
// A FileManager is meant to be driven by one worker at a time; the mutex
// only protects the instance cache against misuse.
type FileManager struct {
	registry  *Registry
	instances map[domain.Backend]ports.StorageBackend
	mu        sync.Mutex
}

func newFileManager(r *Registry) *FileManager {
	return &FileManager{
		registry:  r,
		instances: make(map[domain.Backend]ports.StorageBackend),
	}
}

// backend returns the handle's instance for name, opening it on first use.
func (fm *FileManager) backend(name domain.Backend) (ports.StorageBackend, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if b, ok := fm.instances[name]; ok {
		return b, nil
	}
	factory, err := fm.registry.Factory(name)
	if err != nil {
		return nil, err
	}
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", name, err)
	}
	fm.instances[name] = b
	return b, nil
}

// Save writes data to path on the named backend. The last write wins.
func (fm *FileManager) Save(ctx context.Context, data any, path string, backend domain.Backend) error {
	b, err := fm.backend(backend)
	if err != nil {
		return err
	}
	return b.Save(ctx, path, data)
}

// Load reads path from the named backend. Unwritten paths fail with an
// error wrapping ports.ErrNotFound.
func (fm *FileManager) Load(ctx context.Context, path string, backend domain.Backend) (any, error) {
	b, err := fm.backend(backend)
	if err != nil {
		return nil, err
	}
	return b.Load(ctx, path)
}

// Exists reports whether path holds a value on the named backend.
func (fm *FileManager) Exists(ctx context.Context, path string, backend domain.Backend) (bool, error) {
	b, err := fm.backend(backend)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, path)
}

// List returns the sorted entry names under dir on the named backend.
func (fm *FileManager) List(ctx context.Context, dir string, backend domain.Backend) ([]string, error) {
	b, err := fm.backend(backend)
	if err != nil {
		return nil, err
	}
	return b.List(ctx, dir)
}

// Prepare forwards store options to backends implementing ports.Preparer
// and is a no-op for the rest.
func (fm *FileManager) Prepare(ctx context.Context, dir string, backend domain.Backend, opts ports.StoreOptions) error {
	b, err := fm.backend(backend)
	if err != nil {
		return err
	}
	if p, ok := b.(ports.Preparer); ok {
		return p.Prepare(ctx, dir, opts)
	}
	return nil
}

// Open reports the backends the handle currently holds instances for.
func (fm *FileManager) Open() []domain.Backend {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return slices.Sorted(maps.Keys(fm.instances))
}

// Reset resets and closes every open instance and empties the instance
// cache. It is the reclamation primitive run after each well; calling it
// on an empty handle is a no-op.
func (fm *FileManager) Reset(ctx context.Context) error {
	fm.mu.Lock()
	instances := fm.instances
	fm.instances = make(map[domain.Backend]ports.StorageBackend)
	fm.mu.Unlock()

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(instances)) {
		b := instances[name]
		if err := b.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", name, err))
		}
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the handle. It is equivalent to Reset.
func (fm *FileManager) Close() error {
	return fm.Reset(context.Background())
}

var _ ports.VFS = (*FileManager)(nil)
