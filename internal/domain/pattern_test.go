package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthrough(_ context.Context, call Call) (Output, error) {
	return Output{Stack: call.Stack}, nil
}

func hostFunction(name string, mutate ...func(*Contract)) *Function {
	c := Contract{InputMemory: MemoryHost, OutputMemory: MemoryHost}
	for _, m := range mutate {
		m(&c)
	}
	return NewFunction(name, passthrough, c)
}

func needsGrid(c *Contract) { c.Metadata = []string{KeyGridDimensions.Name()} }

func TestValidate(t *testing.T) {
	fn := hostFunction("identity")

	tests := []struct {
		name    string
		pattern Pattern
		errMsg  string
	}{
		{name: "single", pattern: NewSingle(fn)},
		{name: "parameterized", pattern: NewParameterized(fn, map[string]any{"factor": 2})},
		{name: "sequence", pattern: NewSequence(NewSingle(fn), NewSingle(fn))},
		{
			name: "keyed of sequences",
			pattern: NewKeyed(map[string]Pattern{
				"1": NewSequence(NewSingle(fn)),
				"2": NewSingle(fn),
			}),
		},
		{name: "nil pattern", pattern: nil, errMsg: "func: nil pattern"},
		{name: "nil function", pattern: NewSingle(nil), errMsg: "func: nil function"},
		{
			name:    "function without kernel",
			pattern: NewSingle(&Function{Name: "broken"}),
			errMsg:  `function "broken" has no kernel`,
		},
		{name: "empty sequence", pattern: NewSequence(), errMsg: "func: empty sequence"},
		{name: "empty keyed", pattern: NewKeyed(nil), errMsg: "func: keyed pattern has no routes"},
		{
			name:    "empty routing key",
			pattern: NewKeyed(map[string]Pattern{"": NewSingle(fn)}),
			errMsg:  "empty routing key",
		},
		{
			name:    "empty parameter name",
			pattern: NewParameterized(fn, map[string]any{"": 1}),
			errMsg:  "empty parameter name",
		},
		{
			name:    "nested nil leaf names path",
			pattern: NewSequence(NewSingle(fn), NewKeyed(map[string]Pattern{"2": NewSingle(nil)})),
			errMsg:  `func[1]["2"]: nil function`,
		},
		{
			name: "keyed under keyed",
			pattern: NewKeyed(map[string]Pattern{
				"1": NewSequence(NewKeyed(map[string]Pattern{"a": NewSingle(fn)})),
			}),
			errMsg: "keyed pattern nested inside keyed pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.pattern)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPattern)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLeaves(t *testing.T) {
	a, b, c := hostFunction("a"), hostFunction("b"), hostFunction("c")
	p := NewSequence(
		NewSingle(a),
		NewKeyed(map[string]Pattern{
			"2": NewParameterized(c, map[string]any{"k": 1}),
			"1": NewSingle(b),
		}),
	)

	leaves := Leaves(p)
	require.Len(t, leaves, 3)
	assert.Equal(t, "func[0]", leaves[0].Path)
	assert.Same(t, a, leaves[0].Fn)
	assert.Nil(t, leaves[0].Params)
	assert.Equal(t, `func[1]["1"]`, leaves[1].Path)
	assert.Same(t, b, leaves[1].Fn)
	assert.Equal(t, `func[1]["2"]`, leaves[2].Path)
	assert.Equal(t, map[string]any{"k": 1}, leaves[2].Params)
}

func TestEqual(t *testing.T) {
	a, b := hostFunction("a"), hostFunction("a")

	tests := []struct {
		name string
		x, y Pattern
		want bool
	}{
		{name: "same function", x: NewSingle(a), y: NewSingle(a), want: true},
		{name: "identity not name", x: NewSingle(a), y: NewSingle(b), want: false},
		{
			name: "deep params",
			x:    NewParameterized(a, map[string]any{"xs": []int{1, 2}}),
			y:    NewParameterized(a, map[string]any{"xs": []int{1, 2}}),
			want: true,
		},
		{
			name: "different params",
			x:    NewParameterized(a, map[string]any{"xs": []int{1, 2}}),
			y:    NewParameterized(a, map[string]any{"xs": []int{2, 1}}),
			want: false,
		},
		{name: "kind mismatch", x: NewSingle(a), y: NewSequence(NewSingle(a)), want: false},
		{
			name: "keyed",
			x:    NewKeyed(map[string]Pattern{"1": NewSingle(a)}),
			y:    NewKeyed(map[string]Pattern{"1": NewSingle(a)}),
			want: true,
		},
		{
			name: "keyed route differs",
			x:    NewKeyed(map[string]Pattern{"1": NewSingle(a)}),
			y:    NewKeyed(map[string]Pattern{"2": NewSingle(a)}),
			want: false,
		},
		{name: "both nil", x: nil, y: nil, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.x, tt.y))
			assert.Equal(t, tt.want, Equal(tt.y, tt.x))
		})
	}
}

func TestParameterized_CopiesParams(t *testing.T) {
	fn := hostFunction("scale")
	params := map[string]any{"weights": []float64{1, 2}}
	p := NewParameterized(fn, params)

	params["weights"].([]float64)[0] = 99
	got, ok := p.Param("weights")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, got)

	out := p.Params()
	out["extra"] = true
	_, ok = p.Param("extra")
	assert.False(t, ok)
}

func TestRewrite(t *testing.T) {
	plain := hostFunction("plain")
	grid := hostFunction("positions", needsGrid)
	dims := GridDimensions{Rows: 2, Columns: 3}
	md := With(NewMetadata(), KeyGridDimensions, dims)

	t.Run("no requirement returns input", func(t *testing.T) {
		p := NewSequence(NewSingle(plain))
		out, err := Rewrite(p, md)
		require.NoError(t, err)
		assert.True(t, Equal(p, out))
	})

	t.Run("single becomes parameterized", func(t *testing.T) {
		out, err := Rewrite(NewSingle(grid), md)
		require.NoError(t, err)
		pp, ok := out.(Parameterized)
		require.True(t, ok)
		v, _ := pp.Param(KeyGridDimensions.Name())
		assert.Equal(t, dims, v)
	})

	t.Run("bound params kept", func(t *testing.T) {
		in := NewParameterized(grid, map[string]any{"overlap": 0.1})
		out, err := Rewrite(in, md)
		require.NoError(t, err)
		params := out.(Parameterized).Params()
		assert.Equal(t, 0.1, params["overlap"])
		assert.Equal(t, dims, params[KeyGridDimensions.Name()])
		assert.Len(t, in.Params(), 1, "input is not modified")
	})

	t.Run("nested and idempotent", func(t *testing.T) {
		in := NewKeyed(map[string]Pattern{
			"1": NewSequence(NewSingle(plain), NewSingle(grid)),
			"2": NewSingle(plain),
		})
		once, err := Rewrite(in, md)
		require.NoError(t, err)
		twice, err := Rewrite(once, md)
		require.NoError(t, err)
		assert.True(t, Equal(once, twice))
		assert.False(t, Equal(in, once))

		route, _ := once.(Keyed).Route("2")
		orig, _ := in.Route("2")
		assert.True(t, Equal(orig, route))
	})

	t.Run("missing metadata", func(t *testing.T) {
		_, err := Rewrite(NewSequence(NewSingle(plain), NewSingle(grid)), NewMetadata())
		assert.ErrorIs(t, err, ErrMissingMetadata)
		assert.ErrorContains(t, err, "func[1]")
	})

	t.Run("conflicting bound value", func(t *testing.T) {
		in := NewParameterized(grid, map[string]any{KeyGridDimensions.Name(): GridDimensions{Rows: 9, Columns: 9}})
		_, err := Rewrite(in, md)
		assert.ErrorIs(t, err, ErrMetadataConflict)
	})
}

func TestRequiredMetadata(t *testing.T) {
	grid := hostFunction("positions", needsGrid)
	both := hostFunction("assemble", func(c *Contract) {
		c.Metadata = []string{KeyPixelSize.Name(), KeyGridDimensions.Name()}
	})

	got := RequiredMetadata(NewSequence(NewSingle(grid), NewSingle(both)))
	assert.Equal(t, []string{"grid_dimensions", "pixel_size"}, got)
	assert.Empty(t, RequiredMetadata(NewSingle(hostFunction("plain"))))
}

func TestSpecialIO(t *testing.T) {
	producer := hostFunction("positions", func(c *Contract) { c.SpecialOutputs = []string{"positions"} })
	other := hostFunction("other_positions", func(c *Contract) { c.SpecialOutputs = []string{"positions", "tiles"} })
	consumer := hostFunction("assemble", func(c *Contract) { c.SpecialInputs = []string{"tiles", "positions"} })

	outs, err := SpecialOutputs(NewSequence(NewSingle(producer), NewSingle(consumer)))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"positions": "positions at func[0]"}, outs)

	_, err = SpecialOutputs(NewSequence(NewSingle(producer), NewSingle(other)))
	assert.ErrorIs(t, err, ErrDuplicateSpecialOutput)
	assert.ErrorContains(t, err, "positions at func[0]")
	assert.ErrorContains(t, err, "other_positions at func[1]")

	ins := SpecialInputs(NewKeyed(map[string]Pattern{
		"1": NewSingle(consumer),
		"2": NewSingle(consumer),
	}))
	assert.Equal(t, []string{"positions", "tiles"}, ins)
}

func TestDescribe(t *testing.T) {
	a, b := hostFunction("a"), hostFunction("b")
	p := NewKeyed(map[string]Pattern{
		"1": NewSequence(NewSingle(a), NewParameterized(b, map[string]any{"k": 2})),
	})

	want := map[string]any{
		"1": []any{"a", map[string]any{"name": "b", "params": map[string]any{"k": 2}}},
	}
	assert.Equal(t, want, Describe(p))
	assert.Nil(t, Describe(nil))
	assert.Equal(t, "keyed", p.Kind().String())
}
