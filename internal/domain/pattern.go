package domain

import (
	"context"
	"maps"
	"slices"
)

// Call carries the inputs of a single leaf function invocation.
type Call struct {
	// Well is the unit being processed.
	Well string

	// GroupKey is the value of the step's group_by component for the stack
	// being processed, or empty when the step does not group.
	GroupKey string

	// Stack holds the ordered input items.
	Stack []any

	// Params holds bound parameters, injected metadata and loaded special
	// inputs, keyed by parameter name.
	Params map[string]any

	// Device is the accelerator assigned to the step, or -1.
	Device int
}

// Output is the result of a leaf function invocation.
type Output struct {
	// Stack holds the produced items. It may be shorter than the input
	// stack (projections) but never longer.
	Stack []any

	// Specials holds values for the function's declared special outputs.
	Specials map[string]any
}

// Kernel is the executable body of a leaf function.
type Kernel func(ctx context.Context, call Call) (Output, error)

// Contract is the out-of-band declaration attached to a leaf function. The
// compiler reads special I/O keys and metadata requirements during
// initialization and memory types during contract validation.
type Contract struct {
	// InputMemory is the compute domain the function consumes.
	InputMemory MemoryType

	// OutputMemory is the compute domain the function produces.
	OutputMemory MemoryType

	// SpecialInputs lists cross-step values the function consumes.
	SpecialInputs []string

	// SpecialOutputs lists cross-step values the function produces.
	SpecialOutputs []string

	// Metadata lists plan-time metadata keys injected as parameters.
	Metadata []string
}

// Function is a leaf callable of a function pattern. Functions are
// compared by identity.
type Function struct {
	// Name identifies the function in registries, logs and plan dumps.
	Name string

	// Kernel is invoked once per stack.
	Kernel Kernel

	// Contract declares memory types, special I/O and metadata needs.
	Contract Contract
}

// NewFunction creates a leaf function. The contract's slices are copied.
func NewFunction(name string, kernel Kernel, contract Contract) *Function {
	contract.SpecialInputs = slices.Clone(contract.SpecialInputs)
	contract.SpecialOutputs = slices.Clone(contract.SpecialOutputs)
	contract.Metadata = slices.Clone(contract.Metadata)
	return &Function{Name: name, Kernel: kernel, Contract: contract}
}

// PatternKind discriminates the four pattern variants.
type PatternKind int

// Pattern variants.
const (
	KindSingle PatternKind = iota + 1
	KindParameterized
	KindSequence
	KindKeyed
)

// String implements fmt.Stringer.
func (k PatternKind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindParameterized:
		return "parameterized"
	case KindSequence:
		return "sequence"
	case KindKeyed:
		return "keyed"
	}
	return "unknown"
}

// Pattern describes how one step invokes its leaf functions. It is a closed
// sum type: Single, Parameterized, Sequence and Keyed are the only
// implementations, and every consumer switches over all four.
type Pattern interface {
	Kind() PatternKind
	sealed()
}

// Single invokes one function with no bound parameters.
type Single struct {
	Fn *Function
}

// NewSingle creates a Single pattern.
func NewSingle(fn *Function) Single { return Single{Fn: fn} }

// Kind implements Pattern.
func (Single) Kind() PatternKind { return KindSingle }
func (Single) sealed()           {}

// Parameterized invokes one function with bound keyword parameters.
type Parameterized struct {
	Fn     *Function
	params map[string]any
}

// NewParameterized creates a Parameterized pattern. params is deep copied.
func NewParameterized(fn *Function, params map[string]any) Parameterized {
	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = deepCopyValue(v)
	}
	return Parameterized{Fn: fn, params: copied}
}

// Kind implements Pattern.
func (Parameterized) Kind() PatternKind { return KindParameterized }
func (Parameterized) sealed()           {}

// Params returns a deep copy of the bound parameters.
func (p Parameterized) Params() map[string]any {
	out := make(map[string]any, len(p.params))
	for k, v := range p.params {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Param returns a single bound parameter.
func (p Parameterized) Param(name string) (any, bool) {
	v, ok := p.params[name]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Sequence chains patterns left to right: the output stack of element i is
// the input stack of element i+1.
type Sequence struct {
	items []Pattern
}

// NewSequence creates a Sequence pattern.
func NewSequence(items ...Pattern) Sequence {
	return Sequence{items: slices.Clone(items)}
}

// Kind implements Pattern.
func (Sequence) Kind() PatternKind { return KindSequence }
func (Sequence) sealed()           {}

// Items returns the chained patterns.
func (s Sequence) Items() []Pattern { return slices.Clone(s.items) }

// Len returns the number of chained patterns.
func (s Sequence) Len() int { return len(s.items) }

// Keyed routes each group of data to the sub-pattern registered for the
// group's component value.
type Keyed struct {
	routes map[string]Pattern
}

// NewKeyed creates a Keyed pattern.
func NewKeyed(routes map[string]Pattern) Keyed {
	return Keyed{routes: maps.Clone(routes)}
}

// Kind implements Pattern.
func (Keyed) Kind() PatternKind { return KindKeyed }
func (Keyed) sealed()           {}

// Keys returns the routing keys in sorted order.
func (k Keyed) Keys() []string { return slices.Sorted(maps.Keys(k.routes)) }

// Route returns the sub-pattern for key.
func (k Keyed) Route(key string) (Pattern, bool) {
	p, ok := k.routes[key]
	return p, ok
}

// Len returns the number of routes.
func (k Keyed) Len() int { return len(k.routes) }
