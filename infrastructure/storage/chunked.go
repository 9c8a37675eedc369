package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

const (
	manifestName     = ".manifest.yaml"
	manifestFormat   = 1
	defaultChunkSize = 1 << 20
	defaultZstdLevel = 3
)

// manifest describes one value written by the chunked backend.
type manifest struct {
	Format      int    `yaml:"format"`
	Codec       string `yaml:"codec"`
	Compression string `yaml:"compression"`
	Level       int    `yaml:"level"`
	ChunkSize   int    `yaml:"chunk_size"`
	Chunks      int    `yaml:"chunks"`
	Size        int    `yaml:"size"`
}

// ChunkedBackend stores each value as a directory of zstd-compressed
// chunks of its msgpack encoding plus a YAML manifest. Chunk settings come
// from Prepare for the longest matching directory prefix, falling back to
// the backend defaults.
type ChunkedBackend struct {
	root     string
	defaults ports.StoreOptions

	mu       sync.Mutex
	prepared map[string]ports.StoreOptions
	encoders map[int]*zstd.Encoder
	decoder  *zstd.Decoder
	closed   bool
}

var (
	_ ports.StorageBackend = (*ChunkedBackend)(nil)
	_ ports.Preparer       = (*ChunkedBackend)(nil)
)

// NewChunkedBackend creates a chunked backend rooted at root.
func NewChunkedBackend(root string, defaults ports.StoreOptions) (*ChunkedBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("chunked backend root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve chunked root: %w", err)
	}
	if defaults.ChunkSize <= 0 {
		defaults.ChunkSize = defaultChunkSize
	}
	if defaults.CompressionLevel <= 0 {
		defaults.CompressionLevel = defaultZstdLevel
	}
	return &ChunkedBackend{
		root:     abs,
		defaults: defaults,
		prepared: make(map[string]ports.StoreOptions),
		encoders: make(map[int]*zstd.Encoder),
	}, nil
}

func (c *ChunkedBackend) fail(op, p string, err error) error {
	return ports.NewStorageError(string(domain.BackendChunked), op, p, err)
}

func (c *ChunkedBackend) resolve(p string) string {
	return filepath.Join(c.root, filepath.FromSlash(cleanPath(p)))
}

// Prepare implements ports.Preparer.
func (c *ChunkedBackend) Prepare(_ context.Context, dir string, opts ports.StoreOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.fail("prepare", dir, ports.ErrBackendClosed)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = c.defaults.ChunkSize
	}
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = c.defaults.CompressionLevel
	}
	c.prepared[cleanPath(dir)] = opts
	return nil
}

// options returns the settings for p: the longest prepared prefix wins.
func (c *ChunkedBackend) options(p string) ports.StoreOptions {
	c.mu.Lock()
	defer c.mu.Unlock()

	for dir := path.Dir(cleanPath(p)); ; dir = path.Dir(dir) {
		if opts, ok := c.prepared[dir]; ok {
			return opts
		}
		if dir == "/" {
			return c.defaults
		}
	}
}

func (c *ChunkedBackend) encoder(level int) (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ports.ErrBackendClosed
	}
	if enc, ok := c.encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	c.encoders[level] = enc
	return enc, nil
}

func (c *ChunkedBackend) dec() (*zstd.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ports.ErrBackendClosed
	}
	if c.decoder == nil {
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		c.decoder = d
	}
	return c.decoder, nil
}

// Save implements ports.StorageBackend. A previous value at p is replaced.
func (c *ChunkedBackend) Save(_ context.Context, p string, data any) error {
	opts := c.options(p)
	enc, err := c.encoder(opts.CompressionLevel)
	if err != nil {
		return c.fail("save", p, err)
	}
	raw, err := encode(data)
	if err != nil {
		return c.fail("save", p, fmt.Errorf("%w: %w", ports.ErrUnsupported, err))
	}

	dir := c.resolve(p)
	if err := os.RemoveAll(dir); err != nil {
		return c.fail("save", p, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return c.fail("save", p, err)
	}

	n := 0
	for chunk := range slices.Chunk(raw, opts.ChunkSize) {
		name := filepath.Join(dir, chunkName(n))
		if err := os.WriteFile(name, enc.EncodeAll(chunk, nil), 0o644); err != nil {
			return c.fail("save", p, err)
		}
		n++
	}

	m := manifest{
		Format:      manifestFormat,
		Codec:       "msgpack",
		Compression: "zstd",
		Level:       opts.CompressionLevel,
		ChunkSize:   opts.ChunkSize,
		Chunks:      n,
		Size:        len(raw),
	}
	mb, err := yaml.Marshal(&m)
	if err != nil {
		return c.fail("save", p, err)
	}
	// The manifest is written last; its presence marks a complete value.
	if err := writeAtomic(filepath.Join(dir, manifestName), mb); err != nil {
		return c.fail("save", p, err)
	}
	return nil
}

func chunkName(i int) string { return fmt.Sprintf("c.%d", i) }

func (c *ChunkedBackend) readManifest(p string) (manifest, error) {
	var m manifest
	b, err := os.ReadFile(filepath.Join(c.resolve(p), manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, ports.ErrNotFound
		}
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Format != manifestFormat {
		return m, fmt.Errorf("%w: manifest format %d", ports.ErrUnsupported, m.Format)
	}
	return m, nil
}

// Load implements ports.StorageBackend.
func (c *ChunkedBackend) Load(_ context.Context, p string) (any, error) {
	m, err := c.readManifest(p)
	if err != nil {
		return nil, c.fail("load", p, err)
	}
	d, err := c.dec()
	if err != nil {
		return nil, c.fail("load", p, err)
	}

	dir := c.resolve(p)
	raw := make([]byte, 0, m.Size)
	for i := range m.Chunks {
		b, err := os.ReadFile(filepath.Join(dir, chunkName(i)))
		if err != nil {
			return nil, c.fail("load", p, fmt.Errorf("chunk %d: %w", i, err))
		}
		if raw, err = d.DecodeAll(b, raw); err != nil {
			return nil, c.fail("load", p, fmt.Errorf("chunk %d: %w", i, err))
		}
	}
	if len(raw) != m.Size {
		return nil, c.fail("load", p, fmt.Errorf("size mismatch: manifest %d, read %d", m.Size, len(raw)))
	}

	v, err := decode(raw)
	if err != nil {
		return nil, c.fail("load", p, err)
	}
	return v, nil
}

// Exists implements ports.StorageBackend.
func (c *ChunkedBackend) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(filepath.Join(c.resolve(p), manifestName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, c.fail("exists", p, err)
	}
}

// List implements ports.StorageBackend. Only complete values are listed.
func (c *ChunkedBackend) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(c.resolve(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, c.fail("list", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ok, err := c.Exists(ctx, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Reset implements ports.StorageBackend. It forgets prepared settings and
// keeps durable data.
func (c *ChunkedBackend) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.prepared)
	return nil
}

// Close implements ports.StorageBackend.
func (c *ChunkedBackend) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, enc := range c.encoders {
		errs = append(errs, enc.Close())
	}
	c.encoders = nil
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
	return errors.Join(errs...)
}
