package functions

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// Identity returns its input stack unchanged.
func Identity() *domain.Function {
	return domain.NewFunction("identity", func(_ context.Context, call domain.Call) (domain.Output, error) {
		return domain.Output{Stack: slices.Clone(call.Stack)}, nil
	}, hostContract())
}

// ScaleConfig holds the parameters of scale.
type ScaleConfig struct {
	// Factor multiplies every pixel.
	Factor float64 `yaml:"factor" validate:"gt=0"`
}

// Scale multiplies every pixel by the factor parameter (default 1).
func Scale() *domain.Function {
	return domain.NewFunction("scale", func(_ context.Context, call domain.Call) (domain.Output, error) {
		cfg := ScaleConfig{Factor: 1}
		if err := decodeParams(call.Params, &cfg); err != nil {
			return domain.Output{}, err
		}
		images, err := toImages(call.Stack)
		if err != nil {
			return domain.Output{}, err
		}
		for _, img := range images {
			for i := range img {
				img[i] *= cfg.Factor
			}
		}
		return domain.Output{Stack: fromImages(images)}, nil
	}, hostContract())
}

// NormalizeConfig holds the parameters of normalize.
type NormalizeConfig struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high" validate:"gtfield=Low"`
}

// Normalize linearly maps each image's value range onto [low, high]
// (default [0, 1]). Constant images map to low.
func Normalize() *domain.Function {
	return domain.NewFunction("normalize", func(_ context.Context, call domain.Call) (domain.Output, error) {
		cfg := NormalizeConfig{Low: 0, High: 1}
		if err := decodeParams(call.Params, &cfg); err != nil {
			return domain.Output{}, err
		}
		images, err := toImages(call.Stack)
		if err != nil {
			return domain.Output{}, err
		}
		for _, img := range images {
			if len(img) == 0 {
				continue
			}
			lo, hi := slices.Min(img), slices.Max(img)
			span := hi - lo
			for i, v := range img {
				if span == 0 {
					img[i] = cfg.Low
					continue
				}
				img[i] = cfg.Low + (v-lo)/span*(cfg.High-cfg.Low)
			}
		}
		return domain.Output{Stack: fromImages(images)}, nil
	}, hostContract())
}

// MaxProjection collapses the stack into a single image holding the
// per-pixel maximum.
func MaxProjection() *domain.Function {
	return domain.NewFunction("max_projection", func(_ context.Context, call domain.Call) (domain.Output, error) {
		images, err := toImages(call.Stack)
		if err != nil {
			return domain.Output{}, err
		}
		if len(images) == 0 {
			return domain.Output{}, ErrEmptyStack
		}
		out := slices.Clone(images[0])
		for n, img := range images[1:] {
			if len(img) != len(out) {
				return domain.Output{}, fmt.Errorf("%w: item %d has %d pixels, want %d", ErrShapeMismatch, n+1, len(img), len(out))
			}
			for i, v := range img {
				out[i] = math.Max(out[i], v)
			}
		}
		return domain.Output{Stack: []any{out}}, nil
	}, hostContract())
}

// ComputePositions lays the stack's sites out on the well's site grid and
// publishes the positions as a special output. Each position is a
// [row, column] pair, in stack order. The stack passes through unchanged.
func ComputePositions() *domain.Function {
	contract := hostContract()
	contract.Metadata = []string{domain.KeyGridDimensions.Name()}
	contract.SpecialOutputs = []string{SpecialPositions}

	return domain.NewFunction("compute_positions", func(_ context.Context, call domain.Call) (domain.Output, error) {
		grid, err := gridParam(call.Params)
		if err != nil {
			return domain.Output{}, err
		}
		if grid.Columns <= 0 || grid.Rows*grid.Columns < len(call.Stack) {
			return domain.Output{}, fmt.Errorf("grid %dx%d cannot hold %d sites", grid.Rows, grid.Columns, len(call.Stack))
		}
		positions := make([]any, len(call.Stack))
		for i := range call.Stack {
			positions[i] = []any{float64(i / grid.Columns), float64(i % grid.Columns)}
		}
		return domain.Output{
			Stack:    slices.Clone(call.Stack),
			Specials: map[string]any{SpecialPositions: positions},
		}, nil
	}, contract)
}

func gridParam(params map[string]any) (domain.GridDimensions, error) {
	name := domain.KeyGridDimensions.Name()
	switch v := params[name].(type) {
	case domain.GridDimensions:
		return v, nil
	case map[string]any:
		var g domain.GridDimensions
		if err := decodeParams(v, &g); err != nil {
			return g, err
		}
		return g, nil
	case nil:
		return domain.GridDimensions{}, fmt.Errorf("%w: %s", ErrMissingParam, name)
	default:
		return domain.GridDimensions{}, fmt.Errorf("%w: %s has type %T", ErrUnsupportedItem, name, v)
	}
}

type tile struct {
	row, col int
	img      []float64
}

// Assemble stitches the stack into a single image using the positions
// special input: tiles are concatenated in row-major grid order.
func Assemble() *domain.Function {
	contract := hostContract()
	contract.SpecialInputs = []string{SpecialPositions}

	return domain.NewFunction("assemble", func(_ context.Context, call domain.Call) (domain.Output, error) {
		raw, ok := call.Params[SpecialPositions].([]any)
		if !ok {
			return domain.Output{}, fmt.Errorf("%w: %s", ErrMissingParam, SpecialPositions)
		}
		images, err := toImages(call.Stack)
		if err != nil {
			return domain.Output{}, err
		}
		if len(images) == 0 {
			return domain.Output{}, ErrEmptyStack
		}
		if len(raw) != len(images) {
			return domain.Output{}, fmt.Errorf("%w: %d positions for %d tiles", ErrShapeMismatch, len(raw), len(images))
		}

		tiles := make([]tile, len(images))
		for i, p := range raw {
			rc, err := ToImage(p)
			if err != nil || len(rc) != 2 {
				return domain.Output{}, fmt.Errorf("%w: position %d", ErrUnsupportedItem, i)
			}
			tiles[i] = tile{row: int(rc[0]), col: int(rc[1]), img: images[i]}
		}
		slices.SortStableFunc(tiles, func(a, b tile) int {
			return cmp.Or(cmp.Compare(a.row, b.row), cmp.Compare(a.col, b.col))
		})

		var mosaic []float64
		for _, t := range tiles {
			mosaic = append(mosaic, t.img...)
		}
		return domain.Output{Stack: []any{mosaic}}, nil
	}, contract)
}
