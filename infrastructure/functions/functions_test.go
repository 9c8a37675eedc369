package functions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-wellflow/internal/domain"
)

func run(t *testing.T, fn *domain.Function, stack []any, params map[string]any) (domain.Output, error) {
	t.Helper()
	return fn.Kernel(context.Background(), domain.Call{Well: "A01", Stack: stack, Params: params, Device: domain.NoDevice})
}

type recordingRegistrar struct{ names []string }

func (r *recordingRegistrar) Register(fn *domain.Function) error {
	r.names = append(r.names, fn.Name)
	return nil
}

func TestRegisterBuiltins(t *testing.T) {
	r := &recordingRegistrar{}
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, []string{"identity", "scale", "normalize", "max_projection", "compute_positions", "assemble"}, r.names)

	for _, fn := range Builtins() {
		assert.Equal(t, domain.MemoryHost, fn.Contract.InputMemory, fn.Name)
		assert.Equal(t, domain.MemoryHost, fn.Contract.OutputMemory, fn.Name)
	}
}

func TestToImage(t *testing.T) {
	img, err := ToImage([]any{1.0, int64(2), uint64(3)})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, img)

	_, err = ToImage("not an image")
	assert.ErrorIs(t, err, ErrUnsupportedItem)

	_, err = ToImage([]any{"x"})
	assert.ErrorIs(t, err, ErrUnsupportedItem)
}

func TestIdentity(t *testing.T) {
	stack := []any{[]float64{1}, []float64{2}}
	out, err := run(t, Identity(), stack, nil)
	require.NoError(t, err)
	assert.Equal(t, stack, out.Stack)
}

func TestScale(t *testing.T) {
	t.Run("applies factor", func(t *testing.T) {
		in := []float64{1, 2}
		out, err := run(t, Scale(), []any{in}, map[string]any{"factor": 2.5})
		require.NoError(t, err)
		assert.Equal(t, []any{[]float64{2.5, 5}}, out.Stack)
		assert.Equal(t, []float64{1, 2}, in, "input must not be modified")
	})

	t.Run("defaults to one", func(t *testing.T) {
		out, err := run(t, Scale(), []any{[]any{3.0}}, nil)
		require.NoError(t, err)
		assert.Equal(t, []any{[]float64{3}}, out.Stack)
	})

	t.Run("rejects non-positive factor", func(t *testing.T) {
		_, err := run(t, Scale(), []any{[]float64{1}}, map[string]any{"factor": -1.0})
		assert.Error(t, err)
	})
}

func TestNormalize(t *testing.T) {
	out, err := run(t, Normalize(), []any{[]float64{2, 4, 6}, []float64{5, 5}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{[]float64{0, 0.5, 1}, []float64{0, 0}}, out.Stack)

	out, err = run(t, Normalize(), []any{[]float64{0, 10}}, map[string]any{"low": 10.0, "high": 20.0})
	require.NoError(t, err)
	assert.Equal(t, []any{[]float64{10, 20}}, out.Stack)

	_, err = run(t, Normalize(), []any{[]float64{0}}, map[string]any{"low": 1.0, "high": 0.0})
	assert.Error(t, err)
}

func TestMaxProjection(t *testing.T) {
	out, err := run(t, MaxProjection(), []any{[]float64{1, 5}, []float64{3, 2}, []any{0.0, 9.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{[]float64{3, 9}}, out.Stack)

	_, err = run(t, MaxProjection(), nil, nil)
	assert.ErrorIs(t, err, ErrEmptyStack)

	_, err = run(t, MaxProjection(), []any{[]float64{1}, []float64{1, 2}}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestComputePositionsAndAssemble(t *testing.T) {
	compute := ComputePositions()
	assert.Equal(t, []string{"grid_dimensions"}, compute.Contract.Metadata)
	assert.Equal(t, []string{SpecialPositions}, compute.Contract.SpecialOutputs)

	stack := []any{[]float64{1}, []float64{2}, []float64{3}, []float64{4}}
	out, err := run(t, compute, stack, map[string]any{
		"grid_dimensions": domain.GridDimensions{Rows: 2, Columns: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, stack, out.Stack)

	positions := out.Specials[SpecialPositions]
	assert.Equal(t, []any{
		[]any{0.0, 0.0}, []any{0.0, 1.0}, []any{1.0, 0.0}, []any{1.0, 1.0},
	}, positions)

	t.Run("assemble orders tiles by position", func(t *testing.T) {
		reversed := []any{
			[]any{1.0, 1.0}, []any{1.0, 0.0}, []any{0.0, 1.0}, []any{0.0, 0.0},
		}
		out, err := run(t, Assemble(), stack, map[string]any{SpecialPositions: reversed})
		require.NoError(t, err)
		assert.Equal(t, []any{[]float64{4, 3, 2, 1}}, out.Stack)
	})

	t.Run("assemble requires positions", func(t *testing.T) {
		_, err := run(t, Assemble(), stack, nil)
		assert.ErrorIs(t, err, ErrMissingParam)
	})

	t.Run("grid too small", func(t *testing.T) {
		_, err := run(t, compute, stack, map[string]any{
			"grid_dimensions": domain.GridDimensions{Rows: 1, Columns: 2},
		})
		assert.Error(t, err)
	})

	t.Run("grid from decoded map", func(t *testing.T) {
		_, err := run(t, compute, stack[:2], map[string]any{
			"grid_dimensions": map[string]any{"rows": 1, "columns": 2},
		})
		require.NoError(t, err)
	})

	t.Run("missing grid", func(t *testing.T) {
		_, err := run(t, compute, stack, nil)
		assert.ErrorIs(t, err, ErrMissingParam)
	})
}
