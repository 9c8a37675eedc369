package application

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// ErrUnknownFunction indicates a pipeline file naming a function that is
// not registered.
var ErrUnknownFunction = errors.New("unknown function")

// FunctionRegistry maps function names to leaf functions so pipeline files
// can refer to functions by name. Lookups are case-insensitive.
type FunctionRegistry struct {
	// funcs maps case-folded names to functions.
	funcs map[string]*domain.Function
	// mu protects concurrent access to the funcs map.
	mu sync.RWMutex
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{funcs: make(map[string]*domain.Function)}
}

// foldName normalizes a function name for lookup.
func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Register adds fn under its name. Registering a second function under the
// same name is an error; registering the same function again is not.
func (r *FunctionRegistry) Register(fn *domain.Function) error {
	if fn == nil {
		return fmt.Errorf("function cannot be nil")
	}
	if fn.Kernel == nil {
		return fmt.Errorf("function %s has no kernel", fn.Name)
	}
	key := foldName(fn.Name)
	if key == "" {
		return fmt.Errorf("function name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.funcs[key]; ok && existing != fn {
		return fmt.Errorf("function %s already registered", fn.Name)
	}
	r.funcs[key] = fn
	return nil
}

// Lookup returns the function registered under name. Unknown names fail
// with a suggestion of the closest registered name.
func (r *FunctionRegistry) Lookup(name string) (*domain.Function, error) {
	key := foldName(name)

	r.mu.RLock()
	fn, ok := r.funcs[key]
	r.mu.RUnlock()
	if ok {
		return fn, nil
	}

	if suggestion := r.closest(key); suggestion != "" {
		return nil, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownFunction, name, suggestion)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownFunction, name)
}

// Names returns the registered function names, sorted.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for _, fn := range r.funcs {
		names = append(names, fn.Name)
	}
	slices.Sort(names)
	return names
}

func (r *FunctionRegistry) closest(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best, bestDist := "", len(key)/2+1
	for _, candidate := range slices.Sorted(maps.Keys(r.funcs)) {
		if d := levenshtein.ComputeDistance(key, candidate); d < bestDist {
			best, bestDist = r.funcs[candidate].Name, d
		}
	}
	return best
}
