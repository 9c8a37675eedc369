package storage

import (
	"context"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// MemoryBackend is the ephemeral in-process store. Values are stored as
// given, without copying or encoding.
type MemoryBackend struct {
	data   map[string]any
	closed bool
	mu     sync.RWMutex
}

var _ ports.StorageBackend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]any)}
}

// cleanPath normalizes a logical path: slash separated, rooted, no dot
// segments. Durable backends rely on it to stay inside their root.
func cleanPath(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

// Save implements ports.StorageBackend.
func (m *MemoryBackend) Save(_ context.Context, p string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ports.NewStorageError(string(domain.BackendMemory), "save", p, ports.ErrBackendClosed)
	}
	m.data[cleanPath(p)] = data
	return nil
}

// Load implements ports.StorageBackend.
func (m *MemoryBackend) Load(_ context.Context, p string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ports.NewStorageError(string(domain.BackendMemory), "load", p, ports.ErrBackendClosed)
	}
	v, ok := m.data[cleanPath(p)]
	if !ok {
		return nil, ports.NewStorageError(string(domain.BackendMemory), "load", p, ports.ErrNotFound)
	}
	return v, nil
}

// Exists implements ports.StorageBackend.
func (m *MemoryBackend) Exists(_ context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[cleanPath(p)]
	return ok, nil
}

// List implements ports.StorageBackend.
func (m *MemoryBackend) List(_ context.Context, dir string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir = cleanPath(dir)
	var names []string
	for key := range m.data {
		if path.Dir(key) == dir {
			names = append(names, path.Base(key))
		}
	}
	slices.Sort(names)
	return names, nil
}

// Len returns the number of stored values.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Reset implements ports.StorageBackend by dropping every value.
func (m *MemoryBackend) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	return nil
}

// Close implements ports.StorageBackend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = make(map[string]any)
	return nil
}
