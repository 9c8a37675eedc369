package application

import (
	"github.com/ahrav/go-wellflow/internal/domain"
)

// PipelineConfig is the file form of a pipeline. YAML and HCL pipeline
// files both decode into it before validation.
type PipelineConfig struct {
	// Version specifies the configuration schema version using semantic
	// versioning.
	Version string `yaml:"version" validate:"required,semver"`
	// Metadata describes the pipeline for operators.
	Metadata Metadata `yaml:"metadata" validate:"required"`
	// Engine holds directories, backends and execution limits.
	Engine EngineConfig `yaml:"engine"`
	// Steps lists the pipeline stages in execution order.
	Steps []StepConfig `yaml:"steps" validate:"required,min=1,dive"`
}

// Metadata provides descriptive information about a pipeline.
type Metadata struct {
	// Name is the human-readable identifier of the pipeline.
	Name string `yaml:"name" validate:"required,min=1,max=255"`
	// Description explains what the pipeline does.
	Description string `yaml:"description,omitempty" validate:"max=1000"`
	// Tags are categorical labels for filtering pipelines.
	Tags []string `yaml:"tags,omitempty" validate:"max=20,dive,min=1,max=50"`
}

// EngineConfig holds the pipeline-wide planning and execution settings.
// Zero values are replaced by defaults before validation.
type EngineConfig struct {
	InputDir  string `yaml:"input_dir,omitempty" validate:"required"`
	OutputDir string `yaml:"output_dir,omitempty" validate:"required"`
	WorkDir   string `yaml:"work_dir,omitempty" validate:"required"`

	InputBackend        string `yaml:"input_backend,omitempty" validate:"required,backend"`
	OutputBackend       string `yaml:"output_backend,omitempty" validate:"required,backend"`
	IntermediateBackend string `yaml:"intermediate_backend,omitempty" validate:"required,backend"`

	// ChunkSize is the chunk size in bytes of chunked output stores.
	ChunkSize int `yaml:"chunk_size,omitempty" validate:"min=0,max=1073741824"`
	// CompressionLevel is the zstd level of chunked output stores.
	CompressionLevel int `yaml:"compression_level,omitempty" validate:"min=0,max=22"`
	// DiskWriteBytesPerSecond throttles the disk backend; zero disables it.
	DiskWriteBytesPerSecond int `yaml:"disk_write_bytes_per_second,omitempty" validate:"min=0"`

	// Workers bounds the orchestrator worker pool; zero means GOMAXPROCS.
	Workers int `yaml:"workers,omitempty" validate:"min=0,max=1024"`
	// Devices is the size of the accelerator pool.
	Devices int `yaml:"devices,omitempty" validate:"min=0,max=64"`
}

// StepConfig is the file form of a domain.StepDraft.
type StepConfig struct {
	// Name identifies the step and must be unique within the pipeline.
	Name string `yaml:"name" validate:"required,stepname"`
	// Func is the function pattern: a function name, a list (sequence),
	// a mapping with a "function" key and optional "params" (parameterized
	// leaf) or any other mapping (routes keyed by group value).
	Func any `yaml:"func" validate:"required"`
	// GroupBy is the component whose value selects a keyed route.
	GroupBy string `yaml:"group_by,omitempty" validate:"omitempty,component"`
	// VariableComponents are stacked into one call; defaults to site.
	VariableComponents []string `yaml:"variable_components,omitempty" validate:"dive,component"`
	// ChainBreaker makes the step read the pipeline input.
	ChainBreaker bool `yaml:"chain_breaker,omitempty"`
	// Materialize forces the output onto durable storage.
	Materialize bool `yaml:"materialize,omitempty"`
	// OutputDir overrides the planned output directory.
	OutputDir string `yaml:"output_dir,omitempty"`
}

// applyDefaults fills the zero engine settings from DefaultCompileConfig.
func (e *EngineConfig) applyDefaults() {
	d := DefaultCompileConfig()
	if e.InputDir == "" {
		e.InputDir = d.InputDir
	}
	if e.OutputDir == "" {
		e.OutputDir = d.OutputDir
	}
	if e.WorkDir == "" {
		e.WorkDir = d.WorkDir
	}
	if e.InputBackend == "" {
		e.InputBackend = string(d.InputBackend)
	}
	if e.OutputBackend == "" {
		e.OutputBackend = string(d.OutputBackend)
	}
	if e.IntermediateBackend == "" {
		e.IntermediateBackend = string(d.IntermediateBackend)
	}
	if e.ChunkSize == 0 {
		e.ChunkSize = d.ChunkSize
	}
	if e.CompressionLevel == 0 {
		e.CompressionLevel = d.CompressionLevel
	}
}

// CompileConfig converts the engine settings for the compiler.
func (e EngineConfig) CompileConfig() CompileConfig {
	return CompileConfig{
		InputDir:            e.InputDir,
		OutputDir:           e.OutputDir,
		WorkDir:             e.WorkDir,
		InputBackend:        domain.Backend(e.InputBackend),
		OutputBackend:       domain.Backend(e.OutputBackend),
		IntermediateBackend: domain.Backend(e.IntermediateBackend),
		ChunkSize:           e.ChunkSize,
		CompressionLevel:    e.CompressionLevel,
		Concurrency:         e.Workers,
	}
}
