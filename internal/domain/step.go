package domain

import (
	"maps"
	"slices"
	"time"
)

// StepDraft is a pipeline stage before compilation. Drafts are mutable and
// owned by the pipeline definition; the compiler copies what it needs and
// never writes back, so one draft list can be compiled for many wells.
type StepDraft struct {
	// Name identifies the step in plans, logs and errors.
	Name string

	// Func is the step's function pattern.
	Func Pattern

	// GroupBy is the component whose value selects a route of a keyed
	// pattern. Empty means the step does not dispatch per group.
	GroupBy Component

	// VariableComponents are stacked together into a single call. Defaults
	// to site when empty.
	VariableComponents []Component

	// ChainBreaker makes the step re-read the pipeline input instead of the
	// previous step's output.
	ChainBreaker bool

	// Materialize forces the step output onto durable storage.
	Materialize bool

	// OutputDir overrides the planned output directory.
	OutputDir string
}

// NewStep creates a draft with default grouping.
func NewStep(name string, pattern Pattern) *StepDraft {
	return &StepDraft{Name: name, Func: pattern}
}

// StackComponents returns the variable components, applying the default.
func (s *StepDraft) StackComponents() []Component {
	if len(s.VariableComponents) == 0 {
		return []Component{ComponentSite}
	}
	return slices.Clone(s.VariableComponents)
}

// SpecialLink binds a special I/O key to a concrete VFS location.
type SpecialLink struct {
	Key           string  `yaml:"key"`
	Path          string  `yaml:"path"`
	Backend       Backend `yaml:"backend"`
	ProducerIndex int     `yaml:"producer_index"`
	ProducerStep  string  `yaml:"producer_step"`
}

// ChunkedStore declares that a step writes to the chunked array store. The
// store itself is created lazily at execution time.
type ChunkedStore struct {
	Root             string `yaml:"root"`
	ChunkSize        int    `yaml:"chunk_size"`
	CompressionLevel int    `yaml:"compression_level"`
}

// NoDevice marks a step plan without an accelerator assignment.
const NoDevice = -1

// StepPlan is the compiled, per-well record of one step. It is a value:
// copies handed out by ExecutionContext share nothing mutable with the
// context.
type StepPlan struct {
	Index              int
	Name               string
	Well               string
	InputDir           string
	OutputDir          string
	ChainBreaker       bool
	Materialize        bool
	GroupBy            Component
	VariableComponents []Component

	ReadBackend  Backend
	WriteBackend Backend
	Chunked      *ChunkedStore

	InputMemory  MemoryType
	OutputMemory MemoryType

	// Func is the validated, metadata-rewritten pattern. It is written
	// only by contract validation.
	Func Pattern

	SpecialInputs  map[string]SpecialLink
	SpecialOutputs map[string]SpecialLink

	Device           int
	InjectedMetadata []string
}

// clone returns a copy of p that shares no mutable state with it.
// Patterns are immutable and shared.
func (p StepPlan) clone() StepPlan {
	out := p
	out.VariableComponents = slices.Clone(p.VariableComponents)
	out.InjectedMetadata = slices.Clone(p.InjectedMetadata)
	out.SpecialInputs = maps.Clone(p.SpecialInputs)
	out.SpecialOutputs = maps.Clone(p.SpecialOutputs)
	if p.Chunked != nil {
		c := *p.Chunked
		out.Chunked = &c
	}
	return out
}

// NeedsDevice reports whether the step runs on an accelerator.
func (p StepPlan) NeedsDevice() bool {
	return p.InputMemory.IsAccelerator() || p.OutputMemory.IsAccelerator()
}

// ExecutionResult is the terminal outcome of one well.
type ExecutionResult struct {
	Well     string
	Status   Status
	Error    string
	Duration time.Duration
}

// Succeeded reports whether the well completed without error.
func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSucceeded }
