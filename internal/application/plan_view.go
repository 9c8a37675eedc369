package application

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// PlanView is the serializable rendition of a compiled ExecutionContext.
type PlanView struct {
	Well     string         `yaml:"well"`
	Phase    string         `yaml:"phase"`
	Frozen   bool           `yaml:"frozen"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
	Steps    []StepView     `yaml:"steps"`
}

// StepView is the serializable rendition of one StepPlan.
type StepView struct {
	Index              int                           `yaml:"index"`
	Name               string                        `yaml:"name"`
	InputDir           string                        `yaml:"input_dir"`
	OutputDir          string                        `yaml:"output_dir"`
	ReadBackend        domain.Backend                `yaml:"read_backend"`
	WriteBackend       domain.Backend                `yaml:"write_backend"`
	ChainBreaker       bool                          `yaml:"chain_breaker,omitempty"`
	Materialize        bool                          `yaml:"materialize,omitempty"`
	GroupBy            domain.Component              `yaml:"group_by,omitempty"`
	VariableComponents []domain.Component            `yaml:"variable_components"`
	Chunked            *domain.ChunkedStore          `yaml:"chunked,omitempty"`
	InputMemory        domain.MemoryType             `yaml:"input_memory"`
	OutputMemory       domain.MemoryType             `yaml:"output_memory"`
	Func               any                           `yaml:"func"`
	SpecialInputs      map[string]domain.SpecialLink `yaml:"special_inputs,omitempty"`
	SpecialOutputs     map[string]domain.SpecialLink `yaml:"special_outputs,omitempty"`
	Device             int                           `yaml:"device"`
	InjectedMetadata   []string                      `yaml:"injected_metadata,omitempty"`
}

// NewPlanView renders ec. Map-valued fields are encoded with sorted keys
// by yaml.v3, so equal plans render identically.
func NewPlanView(ec *domain.ExecutionContext) PlanView {
	md := ec.Metadata()
	view := PlanView{
		Well:   ec.Well(),
		Phase:  ec.Phase().String(),
		Frozen: ec.IsFrozen(),
	}
	if md.Len() > 0 {
		view.Metadata = make(map[string]any, md.Len())
		for _, key := range md.Keys() {
			v, _ := md.GetRaw(key)
			view.Metadata[key] = v
		}
	}

	for _, p := range ec.Plans() {
		view.Steps = append(view.Steps, StepView{
			Index:              p.Index,
			Name:               p.Name,
			InputDir:           p.InputDir,
			OutputDir:          p.OutputDir,
			ReadBackend:        p.ReadBackend,
			WriteBackend:       p.WriteBackend,
			ChainBreaker:       p.ChainBreaker,
			Materialize:        p.Materialize,
			GroupBy:            p.GroupBy,
			VariableComponents: p.VariableComponents,
			Chunked:            p.Chunked,
			InputMemory:        p.InputMemory,
			OutputMemory:       p.OutputMemory,
			Func:               domain.Describe(p.Func),
			SpecialInputs:      p.SpecialInputs,
			SpecialOutputs:     p.SpecialOutputs,
			Device:             p.Device,
			InjectedMetadata:   p.InjectedMetadata,
		})
	}
	return view
}

// Fingerprint returns the SHA-256 of the YAML plan view of ec. Compiling
// the same pipeline for the same well twice yields the same fingerprint.
func Fingerprint(ec *domain.ExecutionContext) (string, error) {
	data, err := yaml.Marshal(NewPlanView(ec))
	if err != nil {
		return "", fmt.Errorf("encode plan of well %s: %w", ec.Well(), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DumpPlans writes the plan views of contexts to w as a YAML stream, one
// document per well in sorted order.
func DumpPlans(w io.Writer, contexts map[string]*domain.ExecutionContext) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, well := range slices.Sorted(maps.Keys(contexts)) {
		if err := enc.Encode(NewPlanView(contexts[well])); err != nil {
			return fmt.Errorf("dump plan of well %s: %w", well, err)
		}
	}
	return enc.Close()
}
