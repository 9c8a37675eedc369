package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-wellflow/internal/ctxlog"
	"github.com/ahrav/go-wellflow/internal/domain"
)

// Pipeline is a loaded, validated pipeline file. It is immutable; Steps
// hands out fresh drafts on every call.
type Pipeline struct {
	name        string
	description string
	hash        string
	engine      EngineConfig
	steps       []domain.StepDraft
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Description returns the pipeline description.
func (p *Pipeline) Description() string { return p.description }

// Hash returns the SHA-256 of the normalized pipeline configuration.
func (p *Pipeline) Hash() string { return p.hash }

// Engine returns the engine settings with defaults applied.
func (p *Pipeline) Engine() EngineConfig { return p.engine }

// Steps returns copies of the step drafts, ready for NewCompiler.
func (p *Pipeline) Steps() []*domain.StepDraft {
	out := make([]*domain.StepDraft, len(p.steps))
	for i, s := range p.steps {
		s.VariableComponents = slices.Clone(s.VariableComponents)
		out[i] = &s
	}
	return out
}

// PipelineLoader parses, validates and caches pipeline files. Identical
// configurations are built once: results are cached by the SHA-256 of the
// normalized configuration, and concurrent loads of the same
// configuration share one build.
type PipelineLoader struct {
	validator *validator.Validate
	functions *FunctionRegistry

	cache   map[string]*Pipeline
	cacheMu sync.RWMutex
	sf      singleflight.Group
}

// NewPipelineLoader creates a loader that resolves function names through
// functions. backends decides which backend names are acceptable; nil
// accepts the builtin ones.
func NewPipelineLoader(functions *FunctionRegistry, backends BackendChecker) (*PipelineLoader, error) {
	if functions == nil {
		return nil, fmt.Errorf("pipeline loader requires a function registry")
	}
	v := validator.New()
	if err := RegisterPipelineValidators(v, backends); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	return &PipelineLoader{
		validator: v,
		functions: functions,
		cache:     make(map[string]*Pipeline),
	}, nil
}

// LoadFromFile loads a pipeline file. Files ending in .hcl are parsed as
// HCL, everything else as YAML.
func (pl *PipelineLoader) LoadFromFile(ctx context.Context, path string) (*Pipeline, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(cleanPath), ".hcl") {
		return pl.LoadHCL(ctx, data, cleanPath)
	}
	return pl.LoadYAML(ctx, data)
}

// LoadFromReader loads a YAML pipeline from r.
func (pl *PipelineLoader) LoadFromReader(ctx context.Context, r io.Reader) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return pl.LoadYAML(ctx, data)
}

// LoadYAML loads a YAML pipeline. Unknown fields are rejected.
func (pl *PipelineLoader) LoadYAML(ctx context.Context, data []byte) (*Pipeline, error) {
	var cfg PipelineConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return pl.load(ctx, &cfg)
}

// LoadHCL loads an HCL pipeline. filename is used in diagnostics.
func (pl *PipelineLoader) LoadHCL(ctx context.Context, data []byte, filename string) (*Pipeline, error) {
	cfg, err := parseHCL(data, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL: %w", err)
	}
	return pl.load(ctx, cfg)
}

func (pl *PipelineLoader) load(ctx context.Context, cfg *PipelineConfig) (*Pipeline, error) {
	cfg.Engine.applyDefaults()

	hash, err := calculateConfigHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}

	v, err, shared := pl.sf.Do(hash, func() (any, error) {
		if p, ok := pl.cached(hash); ok {
			return p, nil
		}
		if err := pl.validateConfig(cfg); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
		p, err := pl.build(cfg, hash)
		if err != nil {
			return nil, fmt.Errorf("failed to build pipeline: %w", err)
		}
		pl.cacheMu.Lock()
		pl.cache[hash] = p
		pl.cacheMu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	p := v.(*Pipeline)
	ctxlog.FromContext(ctx).Debug("pipeline loaded", "name", p.name, "steps", len(p.steps), "hash", hash, "shared", shared)
	return p, nil
}

func (pl *PipelineLoader) validateConfig(cfg *PipelineConfig) error {
	if err := pl.validator.Struct(cfg); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}
	if err := validateSemantics(cfg); err != nil {
		return fmt.Errorf("semantic validation failed: %w", err)
	}
	return nil
}

func (pl *PipelineLoader) build(cfg *PipelineConfig, hash string) (*Pipeline, error) {
	p := &Pipeline{
		name:        cfg.Metadata.Name,
		description: cfg.Metadata.Description,
		hash:        hash,
		engine:      cfg.Engine,
		steps:       make([]domain.StepDraft, len(cfg.Steps)),
	}
	for i, sc := range cfg.Steps {
		pattern, err := buildPattern(sc.Func, pl.functions, "func")
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", sc.Name, err)
		}
		draft := domain.StepDraft{
			Name:         sc.Name,
			Func:         pattern,
			ChainBreaker: sc.ChainBreaker,
			Materialize:  sc.Materialize,
			OutputDir:    sc.OutputDir,
		}
		if sc.GroupBy != "" {
			draft.GroupBy = foldComponent(sc.GroupBy)
		}
		for _, c := range sc.VariableComponents {
			draft.VariableComponents = append(draft.VariableComponents, foldComponent(c))
		}
		p.steps[i] = draft
	}
	return p, nil
}

// calculateConfigHash computes the SHA-256 of the YAML re-encoding of cfg,
// so formatting and key order in the source do not matter.
func calculateConfigHash(cfg *PipelineConfig) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func (pl *PipelineLoader) cached(hash string) (*Pipeline, bool) {
	pl.cacheMu.RLock()
	defer pl.cacheMu.RUnlock()
	p, ok := pl.cache[hash]
	return p, ok
}

// ClearCache drops every cached pipeline.
func (pl *PipelineLoader) ClearCache() {
	pl.cacheMu.Lock()
	defer pl.cacheMu.Unlock()
	pl.cache = make(map[string]*Pipeline)
}
