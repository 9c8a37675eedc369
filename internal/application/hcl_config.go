package application

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// hclPipelineFile is the top-level structure of an HCL pipeline file.
type hclPipelineFile struct {
	Version  string       `hcl:"version,attr"`
	Metadata *hclMetadata `hcl:"metadata,block"`
	Engine   *hclEngine   `hcl:"engine,block"`
	Steps    []*hclStep   `hcl:"step,block"`
}

type hclMetadata struct {
	Name        string   `hcl:"name,attr"`
	Description string   `hcl:"description,optional"`
	Tags        []string `hcl:"tags,optional"`
}

type hclEngine struct {
	InputDir                string `hcl:"input_dir,optional"`
	OutputDir               string `hcl:"output_dir,optional"`
	WorkDir                 string `hcl:"work_dir,optional"`
	InputBackend            string `hcl:"input_backend,optional"`
	OutputBackend           string `hcl:"output_backend,optional"`
	IntermediateBackend     string `hcl:"intermediate_backend,optional"`
	ChunkSize               int    `hcl:"chunk_size,optional"`
	CompressionLevel        int    `hcl:"compression_level,optional"`
	DiskWriteBytesPerSecond int    `hcl:"disk_write_bytes_per_second,optional"`
	Workers                 int    `hcl:"workers,optional"`
	Devices                 int    `hcl:"devices,optional"`
}

// hclStep is a step block. The function pattern stays an expression so
// that strings, tuples and objects can all be used.
type hclStep struct {
	Name               string         `hcl:"name,label"`
	Func               hcl.Expression `hcl:"func,attr"`
	GroupBy            string         `hcl:"group_by,optional"`
	VariableComponents []string       `hcl:"variable_components,optional"`
	ChainBreaker       bool           `hcl:"chain_breaker,optional"`
	Materialize        bool           `hcl:"materialize,optional"`
	OutputDir          string         `hcl:"output_dir,optional"`
}

// parseHCL decodes an HCL pipeline file into a PipelineConfig.
func parseHCL(data []byte, filename string) (*PipelineConfig, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse failed: %w", diags)
	}

	var parsed hclPipelineFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode failed: %w", diags)
	}

	cfg := &PipelineConfig{Version: parsed.Version}
	if parsed.Metadata != nil {
		cfg.Metadata = Metadata{
			Name:        parsed.Metadata.Name,
			Description: parsed.Metadata.Description,
			Tags:        parsed.Metadata.Tags,
		}
	}
	if e := parsed.Engine; e != nil {
		cfg.Engine = EngineConfig{
			InputDir:                e.InputDir,
			OutputDir:               e.OutputDir,
			WorkDir:                 e.WorkDir,
			InputBackend:            e.InputBackend,
			OutputBackend:           e.OutputBackend,
			IntermediateBackend:     e.IntermediateBackend,
			ChunkSize:               e.ChunkSize,
			CompressionLevel:        e.CompressionLevel,
			DiskWriteBytesPerSecond: e.DiskWriteBytesPerSecond,
			Workers:                 e.Workers,
			Devices:                 e.Devices,
		}
	}

	for _, s := range parsed.Steps {
		value, diags := s.Func.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("step %s: evaluate func: %w", s.Name, diags)
		}
		fn, err := ctyToNative(value)
		if err != nil {
			return nil, fmt.Errorf("step %s: func: %w", s.Name, err)
		}
		cfg.Steps = append(cfg.Steps, StepConfig{
			Name:               s.Name,
			Func:               fn,
			GroupBy:            s.GroupBy,
			VariableComponents: s.VariableComponents,
			ChainBreaker:       s.ChainBreaker,
			Materialize:        s.Materialize,
			OutputDir:          s.OutputDir,
		})
	}
	return cfg, nil
}

// ctyToNative converts a cty value into plain Go values: strings, float64
// numbers (int when integral), bools, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("convert number: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}
