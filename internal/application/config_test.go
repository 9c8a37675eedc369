package application

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/ahrav/go-wellflow/internal/domain"
)

func TestEngineConfig_Defaults(t *testing.T) {
	e := EngineConfig{OutputBackend: "chunked", CompressionLevel: 9, Workers: 3}
	e.applyDefaults()

	cc := e.CompileConfig()
	assert.Equal(t, "input", cc.InputDir)
	assert.Equal(t, "work", cc.WorkDir)
	assert.Equal(t, domain.BackendDisk, cc.InputBackend)
	assert.Equal(t, domain.BackendChunked, cc.OutputBackend)
	assert.Equal(t, domain.BackendMemory, cc.IntermediateBackend)
	assert.Equal(t, 9, cc.CompressionLevel)
	assert.Equal(t, 1<<20, cc.ChunkSize)
	assert.Equal(t, 3, cc.Concurrency)
	assert.NoError(t, cc.Validate())
}

func TestPipelineValidators(t *testing.T) {
	v := validator.New()
	require.NoError(t, RegisterPipelineValidators(v, func(b domain.Backend) bool { return b == "s3" }))

	tests := []struct {
		name  string
		value string
		tag   string
		valid bool
	}{
		{name: "semver", value: "1.2.3", tag: "semver", valid: true},
		{name: "semver leading zero", value: "01.2.3", tag: "semver", valid: false},
		{name: "semver prefix", value: "v1.2.3", tag: "semver", valid: false},
		{name: "semver short", value: "1.2", tag: "semver", valid: false},
		{name: "component folded", value: "Z_Index", tag: "component", valid: true},
		{name: "component unknown", value: "plate", tag: "component", valid: false},
		{name: "custom backend", value: "s3", tag: "backend", valid: true},
		{name: "builtin rejected by checker", value: "disk", tag: "backend", valid: false},
		{name: "step name", value: "stitch.v2-final_1", tag: "stepname", valid: true},
		{name: "step name space", value: "two words", tag: "stepname", valid: false},
		{name: "step name leading dot", value: ".hidden", tag: "stepname", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Var(tt.value, tt.tag)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateSemantics_JoinsErrors(t *testing.T) {
	cfg := &PipelineConfig{
		Engine: EngineConfig{InputBackend: "memory", OutputBackend: "disk"},
		Steps: []StepConfig{
			{Name: "a", GroupBy: "well"},
			{Name: "a", GroupBy: "z_index", VariableComponents: []string{"Z_INDEX"}},
		},
	}
	err := validateSemantics(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `input backend "memory" is not durable`)
	assert.Contains(t, msg, "cannot group by well")
	assert.Contains(t, msg, `duplicate name "a"`)
	assert.Contains(t, msg, `group_by "z_index" is also a variable component`)
}

func TestFunctionRegistry(t *testing.T) {
	reg := NewFunctionRegistry()
	fn := hostFn("Normalize")

	require.NoError(t, reg.Register(fn))
	require.NoError(t, reg.Register(fn), "re-registering the same function is allowed")
	assert.ErrorContains(t, reg.Register(hostFn("normalize")), "already registered")
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(hostFn(" ")))
	assert.Error(t, reg.Register(&domain.Function{Name: "nokernel"}))

	got, err := reg.Lookup("  NORMALIZE ")
	require.NoError(t, err)
	assert.Same(t, fn, got)

	_, err = reg.Lookup("normalise")
	assert.ErrorIs(t, err, ErrUnknownFunction)
	assert.ErrorContains(t, err, `did you mean "Normalize"`)

	_, err = reg.Lookup("completely_different")
	assert.ErrorIs(t, err, ErrUnknownFunction)
	assert.NotContains(t, err.Error(), "did you mean")

	assert.Equal(t, []string{"Normalize"}, reg.Names())
}

func TestBuildPattern(t *testing.T) {
	reg := NewFunctionRegistry()
	id, scale := hostFn("identity"), hostFn("scale")
	require.NoError(t, reg.Register(id))
	require.NoError(t, reg.Register(scale))

	tests := []struct {
		name    string
		raw     any
		want    domain.Pattern
		errPart string
	}{
		{name: "name", raw: "identity", want: domain.NewSingle(id)},
		{name: "leaf without params", raw: map[string]any{"function": "scale"}, want: domain.NewSingle(scale)},
		{
			name: "leaf with yaml keys",
			raw:  map[string]any{"function": "scale", "params": map[any]any{"factor": 2}},
			want: domain.NewParameterized(scale, map[string]any{"factor": 2}),
		},
		{
			name: "keyed with int keys",
			raw:  map[any]any{1: "identity", 2: []any{"identity", "scale"}},
			want: domain.NewKeyed(map[string]domain.Pattern{
				"1": domain.NewSingle(id),
				"2": domain.NewSequence(domain.NewSingle(id), domain.NewSingle(scale)),
			}),
		},
		{name: "nil", raw: nil, errPart: "func: malformed function pattern: missing function pattern"},
		{name: "number", raw: 3, errPart: "unsupported value of type int"},
		{name: "empty mapping", raw: map[string]any{}, errPart: "empty mapping"},
		{name: "function not a name", raw: map[string]any{"function": 1}, errPart: "function must be a name"},
		{name: "params not a mapping", raw: map[string]any{"function": "scale", "params": []any{1}}, errPart: "params must be a mapping"},
		{name: "nested path", raw: []any{"identity", map[string]any{"1": "nope"}}, errPart: `func[1]["1"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPattern(tt.raw, reg, "func")
			if tt.errPart != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errPart)
				return
			}
			require.NoError(t, err)
			assert.True(t, domain.Equal(tt.want, got), "got %#v", domain.Describe(got))
		})
	}
}

func TestCtyToNative(t *testing.T) {
	v := cty.ObjectVal(map[string]cty.Value{
		"name":   cty.StringVal("scale"),
		"factor": cty.NumberFloatVal(0.5),
		"count":  cty.NumberIntVal(3),
		"on":     cty.True,
		"list":   cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.NumberIntVal(1)}),
		"none":   cty.NullVal(cty.String),
	})

	got, err := ctyToNative(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":   "scale",
		"factor": 0.5,
		"count":  3,
		"on":     true,
		"list":   []any{"a", 1},
		"none":   nil,
	}, got)
}

func TestLoadHCL_DecodeErrors(t *testing.T) {
	loader := newTestLoader(t)
	_, err := loader.LoadHCL(context.Background(), []byte(`version = "1.0.0"
step "a" {
  func = "identity"
  colour = "red"
}
`), "extra.hcl")
	assert.ErrorContains(t, err, "HCL decode failed")

	_, err = loader.LoadHCL(context.Background(), []byte(`version = "1.0.0"
metadata { name = "x" }
step "a" {
  func = var.missing
}
`), "vars.hcl")
	assert.ErrorContains(t, err, "evaluate func")
}
