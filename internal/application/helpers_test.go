package application

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-wellflow/infrastructure/microscope"
	"github.com/ahrav/go-wellflow/infrastructure/storage"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// hostFn creates a host-memory function whose kernel passes the stack
// through unchanged.
func hostFn(name string) *domain.Function {
	return contractFn(name, domain.Contract{InputMemory: domain.MemoryHost, OutputMemory: domain.MemoryHost})
}

func contractFn(name string, c domain.Contract) *domain.Function {
	return domain.NewFunction(name, func(_ context.Context, call domain.Call) (domain.Output, error) {
		return domain.Output{Stack: call.Stack}, nil
	}, c)
}

func kernelFn(name string, c domain.Contract, k domain.Kernel) *domain.Function {
	return domain.NewFunction(name, k, c)
}

// mapMetadata serves fixed metadata per well and counts lookups.
type mapMetadata struct {
	mu    sync.Mutex
	data  map[string]domain.Metadata
	err   map[string]error
	calls int
}

func (m *mapMetadata) Metadata(_ context.Context, well string) (domain.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err, ok := m.err[well]; ok {
		return domain.Metadata{}, err
	}
	md, ok := m.data[well]
	if !ok {
		return domain.NewMetadata(), nil
	}
	return md, nil
}

func gridMetadata(rows, cols int) domain.Metadata {
	return domain.With(domain.NewMetadata(), domain.KeyGridDimensions, domain.GridDimensions{Rows: rows, Columns: cols})
}

func testConfig() CompileConfig {
	return DefaultCompileConfig()
}

func mustCompiler(t *testing.T, steps []*domain.StepDraft, cfg CompileConfig, opts ...CompilerOption) *Compiler {
	t.Helper()
	c, err := NewCompiler(steps, cfg, opts...)
	require.NoError(t, err)
	return c
}

// newVFS returns a storage registry rooted in a temp dir.
func newVFS(t *testing.T) *storage.Registry {
	t.Helper()
	reg := storage.NewRegistry()
	require.NoError(t, storage.RegisterDefaults(reg, storage.Options{Root: t.TempDir(), ChunkSize: 64, CompressionLevel: 1}))
	return reg
}

func handleFactory(reg *storage.Registry) func() ports.VFS {
	return func() ports.VFS { return reg.NewHandle() }
}

// seedWell writes one image per site/channel for well into dir on disk.
func seedWell(t *testing.T, vfs ports.VFS, dir, well string, sites, channels int, value float64) {
	t.Helper()
	for s := 1; s <= sites; s++ {
		for c := 1; c <= channels; c++ {
			name := fmt.Sprintf("%s_s%d_w%d.tif", well, s, c)
			img := []float64{value, value + float64(s), value + float64(c)}
			require.NoError(t, vfs.Save(context.Background(), img, dir+"/"+name, domain.BackendDisk))
		}
	}
}

var parser = microscope.ImageXpressParser{}
