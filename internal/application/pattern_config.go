package application

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// Keys of a leaf mapping in a pipeline file.
const (
	leafFunctionKey = "function"
	leafParamsKey   = "params"
)

// buildPattern turns the decoded func value of a step into a pattern,
// resolving function names through the registry.
//
//	"name"                              -> Single
//	{function: name, params: {...}}     -> Parameterized (Single without params)
//	[p1, p2, ...]                       -> Sequence
//	{"1": p1, "2": p2}                  -> Keyed
func buildPattern(raw any, functions *FunctionRegistry, path string) (domain.Pattern, error) {
	switch v := raw.(type) {
	case string:
		fn, err := functions.Lookup(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return domain.NewSingle(fn), nil

	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%s: %w: empty sequence", path, domain.ErrMalformedPattern)
		}
		items := make([]domain.Pattern, len(v))
		for i, item := range v {
			p, err := buildPattern(item, functions, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			items[i] = p
		}
		return domain.NewSequence(items...), nil

	case map[string]any:
		if _, ok := v[leafFunctionKey]; ok {
			return buildLeaf(v, functions, path)
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("%s: %w: empty mapping", path, domain.ErrMalformedPattern)
		}
		routes := make(map[string]domain.Pattern, len(v))
		for _, key := range slices.Sorted(maps.Keys(v)) {
			p, err := buildPattern(v[key], functions, path+"["+strconv.Quote(key)+"]")
			if err != nil {
				return nil, err
			}
			routes[key] = p
		}
		return domain.NewKeyed(routes), nil

	case map[any]any:
		converted := make(map[string]any, len(v))
		for k, val := range v {
			converted[fmt.Sprint(k)] = val
		}
		return buildPattern(converted, functions, path)

	case nil:
		return nil, fmt.Errorf("%s: %w: missing function pattern", path, domain.ErrMalformedPattern)

	default:
		return nil, fmt.Errorf("%s: %w: unsupported value of type %T", path, domain.ErrMalformedPattern, raw)
	}
}

func buildLeaf(v map[string]any, functions *FunctionRegistry, path string) (domain.Pattern, error) {
	for key := range v {
		if key != leafFunctionKey && key != leafParamsKey {
			return nil, fmt.Errorf("%s: %w: unexpected key %q in function mapping", path, domain.ErrMalformedPattern, key)
		}
	}
	name, ok := v[leafFunctionKey].(string)
	if !ok {
		return nil, fmt.Errorf("%s: %w: function must be a name", path, domain.ErrMalformedPattern)
	}
	fn, err := functions.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var params map[string]any
	switch p := v[leafParamsKey].(type) {
	case nil:
	case map[string]any:
		params = p
	case map[any]any:
		params = make(map[string]any, len(p))
		for k, val := range p {
			params[fmt.Sprint(k)] = val
		}
	default:
		return nil, fmt.Errorf("%s: %w: params must be a mapping", path, domain.ErrMalformedPattern)
	}
	if len(params) == 0 {
		return domain.NewSingle(fn), nil
	}
	return domain.NewParameterized(fn, params), nil
}
