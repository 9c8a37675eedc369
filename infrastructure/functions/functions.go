// Package functions provides the builtin leaf functions available to
// pipeline files. Every builtin works on host memory; an image is a flat
// slice of float64 pixel values.
package functions

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// Common errors returned by builtin kernels.
var (
	// ErrUnsupportedItem is returned when a stack item is not an image.
	ErrUnsupportedItem = errors.New("unsupported stack item")

	// ErrEmptyStack is returned by kernels that need at least one item.
	ErrEmptyStack = errors.New("empty stack")

	// ErrShapeMismatch is returned when images in a stack differ in size.
	ErrShapeMismatch = errors.New("image size mismatch")

	// ErrMissingParam is returned when a required parameter is not bound.
	ErrMissingParam = errors.New("missing parameter")
)

// Special I/O keys used by builtins.
const (
	SpecialPositions = "positions"
)

// Package-level validator instance for parameter validation.
var validate = validator.New()

// Registrar accepts leaf functions. application.FunctionRegistry
// satisfies it.
type Registrar interface {
	Register(fn *domain.Function) error
}

// Builtins returns fresh instances of every builtin function.
func Builtins() []*domain.Function {
	return []*domain.Function{
		Identity(),
		Scale(),
		Normalize(),
		MaxProjection(),
		ComputePositions(),
		Assemble(),
	}
}

// RegisterBuiltins registers every builtin on r.
func RegisterBuiltins(r Registrar) error {
	for _, fn := range Builtins() {
		if err := r.Register(fn); err != nil {
			return fmt.Errorf("register builtin %s: %w", fn.Name, err)
		}
	}
	return nil
}

func hostContract() domain.Contract {
	return domain.Contract{InputMemory: domain.MemoryHost, OutputMemory: domain.MemoryHost}
}

// decodeParams copies the bound parameters into a config struct through
// YAML, so that yaml tags and defaults apply, and then validates it.
// Parameters the struct does not name are ignored; they belong to other
// consumers such as injected metadata.
func decodeParams(params map[string]any, out any) error {
	if len(params) > 0 {
		b, err := yaml.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode parameters: %w", err)
		}
		if err := yaml.Unmarshal(b, out); err != nil {
			return fmt.Errorf("failed to decode parameters: %w", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	return nil
}

// ToImage converts a stack item to pixel values. Values loaded from
// durable backends arrive as []any of numbers.
func ToImage(item any) ([]float64, error) {
	switch v := item.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []any:
		out := make([]float64, len(v))
		for i, e := range v {
			f, ok := toFloat(e)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T", ErrUnsupportedItem, i, e)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedItem, item)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func toImages(stack []any) ([][]float64, error) {
	out := make([][]float64, len(stack))
	for i, item := range stack {
		img, err := ToImage(item)
		if err != nil {
			return nil, fmt.Errorf("stack item %d: %w", i, err)
		}
		out[i] = img
	}
	return out, nil
}

func fromImages(images [][]float64) []any {
	out := make([]any, len(images))
	for i, img := range images {
		out[i] = img
	}
	return out
}
