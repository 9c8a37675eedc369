package domain

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
)

// patternRoot is the path prefix used when reporting pattern nodes.
const patternRoot = "func"

// Validate checks every node of p. A valid pattern has a non-nil function
// with a kernel at every leaf, no empty sequences or keyed maps, no empty
// routing keys and no keyed map anywhere beneath another keyed map.
// The returned error wraps ErrMalformedPattern and names the node.
func Validate(p Pattern) error {
	return validateNode(p, patternRoot, false)
}

func validateNode(p Pattern, path string, underKeyed bool) error {
	switch n := p.(type) {
	case nil:
		return malformed(path, "nil pattern")
	case Single:
		return validateFunction(n.Fn, path)
	case Parameterized:
		if err := validateFunction(n.Fn, path); err != nil {
			return err
		}
		for name := range n.params {
			if name == "" {
				return malformed(path, "empty parameter name")
			}
		}
		return nil
	case Sequence:
		if len(n.items) == 0 {
			return malformed(path, "empty sequence")
		}
		for i, item := range n.items {
			if err := validateNode(item, indexPath(path, i), underKeyed); err != nil {
				return err
			}
		}
		return nil
	case Keyed:
		if underKeyed {
			return malformed(path, "keyed pattern nested inside keyed pattern")
		}
		if len(n.routes) == 0 {
			return malformed(path, "keyed pattern has no routes")
		}
		for _, key := range n.Keys() {
			if key == "" {
				return malformed(path, "empty routing key")
			}
			if err := validateNode(n.routes[key], keyPath(path, key), true); err != nil {
				return err
			}
		}
		return nil
	default:
		return malformed(path, fmt.Sprintf("unsupported pattern type %T", p))
	}
}

func validateFunction(fn *Function, path string) error {
	if fn == nil {
		return malformed(path, "nil function")
	}
	if fn.Kernel == nil {
		return malformed(path, fmt.Sprintf("function %q has no kernel", fn.Name))
	}
	if fn.Name == "" {
		return malformed(path, "function has no name")
	}
	return nil
}

func malformed(path, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedPattern, path, reason)
}

func indexPath(path string, i int) string { return path + "[" + strconv.Itoa(i) + "]" }

func keyPath(path, key string) string { return path + "[" + strconv.Quote(key) + "]" }

// Leaf is one callable found in a pattern together with its location.
type Leaf struct {
	// Path locates the leaf, e.g. func[1]["2"].
	Path string

	// Fn is the leaf callable.
	Fn *Function

	// Params are the leaf's bound parameters; nil for Single leaves.
	Params map[string]any
}

// Leaves returns the leaves of p depth first, visiting keyed routes in
// sorted key order. Nil nodes are skipped; call Validate first.
func Leaves(p Pattern) []Leaf {
	var out []Leaf
	collectLeaves(p, patternRoot, &out)
	return out
}

func collectLeaves(p Pattern, path string, out *[]Leaf) {
	switch n := p.(type) {
	case Single:
		if n.Fn != nil {
			*out = append(*out, Leaf{Path: path, Fn: n.Fn})
		}
	case Parameterized:
		if n.Fn != nil {
			*out = append(*out, Leaf{Path: path, Fn: n.Fn, Params: n.Params()})
		}
	case Sequence:
		for i, item := range n.items {
			collectLeaves(item, indexPath(path, i), out)
		}
	case Keyed:
		for _, key := range n.Keys() {
			collectLeaves(n.routes[key], keyPath(path, key), out)
		}
	}
}

// Equal reports whether a and b are structurally equal: same shape, same
// function identities, deeply equal parameters.
func Equal(a, b Pattern) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Single:
		y, ok := b.(Single)
		return ok && x.Fn == y.Fn
	case Parameterized:
		y, ok := b.(Parameterized)
		if !ok || x.Fn != y.Fn || len(x.params) != len(y.params) {
			return false
		}
		for k, v := range x.params {
			w, ok := y.params[k]
			if !ok || !reflect.DeepEqual(v, w) {
				return false
			}
		}
		return true
	case Sequence:
		y, ok := b.(Sequence)
		if !ok || len(x.items) != len(y.items) {
			return false
		}
		for i := range x.items {
			if !Equal(x.items[i], y.items[i]) {
				return false
			}
		}
		return true
	case Keyed:
		y, ok := b.(Keyed)
		if !ok || len(x.routes) != len(y.routes) {
			return false
		}
		for k, v := range x.routes {
			w, ok := y.routes[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// RequiredMetadata returns the sorted, de-duplicated metadata keys that
// leaves of p declare.
func RequiredMetadata(p Pattern) []string {
	var keys []string
	for _, leaf := range Leaves(p) {
		keys = append(keys, leaf.Fn.Contract.Metadata...)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Rewrite injects metadata into every leaf whose contract requires it,
// binding each value under its key name. Single leaves become
// Parameterized; Parameterized leaves gain the extra parameters.
//
// Rewrite never mutates p. A pattern with no metadata requirement is
// returned as is, and rewriting an already rewritten pattern yields an
// equal pattern. A bound parameter of the same name holding a different
// value fails with ErrMetadataConflict; an absent value fails with
// ErrMissingMetadata.
func Rewrite(p Pattern, md Metadata) (Pattern, error) {
	out, _, err := rewriteNode(p, patternRoot, md)
	return out, err
}

func rewriteNode(p Pattern, path string, md Metadata) (Pattern, bool, error) {
	switch n := p.(type) {
	case Single:
		if n.Fn == nil || len(n.Fn.Contract.Metadata) == 0 {
			return n, false, nil
		}
		injected, err := resolveMetadata(n.Fn, path, md, nil)
		if err != nil {
			return nil, false, err
		}
		return NewParameterized(n.Fn, injected), true, nil

	case Parameterized:
		if n.Fn == nil || len(n.Fn.Contract.Metadata) == 0 {
			return n, false, nil
		}
		merged, err := resolveMetadata(n.Fn, path, md, n.params)
		if err != nil {
			return nil, false, err
		}
		return NewParameterized(n.Fn, merged), true, nil

	case Sequence:
		items := make([]Pattern, len(n.items))
		changed := false
		for i, item := range n.items {
			rewritten, c, err := rewriteNode(item, indexPath(path, i), md)
			if err != nil {
				return nil, false, err
			}
			items[i] = rewritten
			changed = changed || c
		}
		if !changed {
			return n, false, nil
		}
		return Sequence{items: items}, true, nil

	case Keyed:
		routes := make(map[string]Pattern, len(n.routes))
		changed := false
		for _, key := range n.Keys() {
			rewritten, c, err := rewriteNode(n.routes[key], keyPath(path, key), md)
			if err != nil {
				return nil, false, err
			}
			routes[key] = rewritten
			changed = changed || c
		}
		if !changed {
			return n, false, nil
		}
		return Keyed{routes: routes}, true, nil
	}
	return p, false, nil
}

// resolveMetadata returns bound merged with the function's metadata values.
// bound is never modified.
func resolveMetadata(fn *Function, path string, md Metadata, bound map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(bound)+len(fn.Contract.Metadata))
	for k, v := range bound {
		merged[k] = v
	}
	for _, name := range fn.Contract.Metadata {
		value, ok := md.GetRaw(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s: function %q requires %q", ErrMissingMetadata, path, fn.Name, name)
		}
		if existing, ok := merged[name]; ok && !reflect.DeepEqual(existing, value) {
			return nil, fmt.Errorf("%w: %s: function %q binds %q=%v, metadata has %v",
				ErrMetadataConflict, path, fn.Name, name, existing, value)
		}
		merged[name] = value
	}
	return merged, nil
}

// SpecialOutputs maps every special output key declared by a leaf of p to
// a description of its producer. Two leaves declaring the same key fail
// with ErrDuplicateSpecialOutput naming both.
func SpecialOutputs(p Pattern) (map[string]string, error) {
	out := make(map[string]string)
	for _, leaf := range Leaves(p) {
		producer := leaf.Fn.Name + " at " + leaf.Path
		for _, key := range leaf.Fn.Contract.SpecialOutputs {
			if prev, ok := out[key]; ok {
				return nil, fmt.Errorf("%w: %q produced by both %s and %s",
					ErrDuplicateSpecialOutput, key, prev, producer)
			}
			out[key] = producer
		}
	}
	return out, nil
}

// SpecialInputs returns the sorted, de-duplicated special input keys that
// leaves of p consume.
func SpecialInputs(p Pattern) []string {
	var keys []string
	for _, leaf := range Leaves(p) {
		keys = append(keys, leaf.Fn.Contract.SpecialInputs...)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Describe renders p as plain values (strings, slices, maps) suitable for
// YAML encoding. Functions appear by name.
func Describe(p Pattern) any {
	switch n := p.(type) {
	case Single:
		if n.Fn == nil {
			return nil
		}
		return n.Fn.Name
	case Parameterized:
		name := ""
		if n.Fn != nil {
			name = n.Fn.Name
		}
		return map[string]any{"name": name, "params": n.Params()}
	case Sequence:
		out := make([]any, len(n.items))
		for i, item := range n.items {
			out[i] = Describe(item)
		}
		return out
	case Keyed:
		out := make(map[string]any, len(n.routes))
		for k, v := range n.routes {
			out[k] = Describe(v)
		}
		return out
	}
	return nil
}
