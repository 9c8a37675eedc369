package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

const tempPrefix = ".tmp-"

// DiskBackend stores msgpack-encoded values as files under a root
// directory. Writes go through a temp file and a rename so readers never
// see a partial value.
type DiskBackend struct {
	root    string
	limiter *rate.Limiter
	closed  atomic.Bool
}

var _ ports.StorageBackend = (*DiskBackend)(nil)

// NewDiskBackend creates a disk backend rooted at root. A positive
// bytesPerSecond throttles writes.
func NewDiskBackend(root string, bytesPerSecond int) (*DiskBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("disk backend root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve disk root: %w", err)
	}
	d := &DiskBackend{root: abs}
	if bytesPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return d, nil
}

// resolve maps a logical path to a file path inside the root.
func (d *DiskBackend) resolve(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(cleanPath(p)))
}

func (d *DiskBackend) fail(op, p string, err error) error {
	return ports.NewStorageError(string(domain.BackendDisk), op, p, err)
}

// throttle blocks until n bytes may be written. Requests larger than the
// burst are split.
func (d *DiskBackend) throttle(ctx context.Context, n int) error {
	if d.limiter == nil {
		return nil
	}
	burst := d.limiter.Burst()
	for n > 0 {
		take := min(n, burst)
		if err := d.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Save implements ports.StorageBackend.
func (d *DiskBackend) Save(ctx context.Context, p string, data any) error {
	if d.closed.Load() {
		return d.fail("save", p, ports.ErrBackendClosed)
	}
	b, err := encode(data)
	if err != nil {
		return d.fail("save", p, fmt.Errorf("%w: %w", ports.ErrUnsupported, err))
	}
	if err := d.throttle(ctx, len(b)); err != nil {
		return d.fail("save", p, err)
	}
	if err := writeAtomic(d.resolve(p), b); err != nil {
		return d.fail("save", p, err)
	}
	return nil
}

// Load implements ports.StorageBackend.
func (d *DiskBackend) Load(_ context.Context, p string) (any, error) {
	if d.closed.Load() {
		return nil, d.fail("load", p, ports.ErrBackendClosed)
	}
	b, err := os.ReadFile(d.resolve(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, d.fail("load", p, ports.ErrNotFound)
		}
		return nil, d.fail("load", p, err)
	}
	v, err := decode(b)
	if err != nil {
		return nil, d.fail("load", p, err)
	}
	return v, nil
}

// Exists implements ports.StorageBackend.
func (d *DiskBackend) Exists(_ context.Context, p string) (bool, error) {
	info, err := os.Stat(d.resolve(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, d.fail("exists", p, err)
	}
	return info.Mode().IsRegular(), nil
}

// List implements ports.StorageBackend. Only regular files are listed.
func (d *DiskBackend) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(d.resolve(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, d.fail("list", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Reset implements ports.StorageBackend. Durable data is kept.
func (d *DiskBackend) Reset(context.Context) error { return nil }

// Close implements ports.StorageBackend.
func (d *DiskBackend) Close() error {
	d.closed.Store(true)
	return nil
}

// writeAtomic writes b to name via a temp file in the same directory.
func writeAtomic(name string, b []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
