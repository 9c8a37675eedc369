package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-wellflow/internal/ctxlog"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// CompileConfig holds the pipeline-wide settings the compiler plans with.
type CompileConfig struct {
	// InputDir is the directory the first step and chain breakers read.
	InputDir string
	// OutputDir receives the last step's output.
	OutputDir string
	// WorkDir is the parent of interior step output directories.
	WorkDir string

	// InputBackend is the durable backend the pipeline input lives on.
	InputBackend domain.Backend
	// OutputBackend is the durable backend for final and materialized output.
	OutputBackend domain.Backend
	// IntermediateBackend is the ephemeral backend between interior steps.
	IntermediateBackend domain.Backend

	// ChunkSize and CompressionLevel parameterize chunked output stores.
	ChunkSize        int
	CompressionLevel int

	// Concurrency bounds CompileAll. Zero means GOMAXPROCS.
	Concurrency int
}

// DefaultCompileConfig returns the settings used when a pipeline file
// leaves them out.
func DefaultCompileConfig() CompileConfig {
	return CompileConfig{
		InputDir:            "input",
		OutputDir:           "output",
		WorkDir:             "work",
		InputBackend:        domain.BackendDisk,
		OutputBackend:       domain.BackendDisk,
		IntermediateBackend: domain.BackendMemory,
		ChunkSize:           1 << 20,
		CompressionLevel:    3,
	}
}

// Validate checks that the configuration can be planned with.
func (c CompileConfig) Validate() error {
	var errs []error
	if c.InputDir == "" {
		errs = append(errs, errors.New("input dir is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work dir is required"))
	}
	if !c.InputBackend.IsDurable() {
		errs = append(errs, fmt.Errorf("input backend %q is not durable", c.InputBackend))
	}
	if !c.OutputBackend.IsDurable() {
		errs = append(errs, fmt.Errorf("output backend %q is not durable", c.OutputBackend))
	}
	if c.IntermediateBackend == "" {
		errs = append(errs, errors.New("intermediate backend is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	return nil
}

// Compiler turns a list of step drafts into one frozen ExecutionContext
// per well. A Compiler holds a snapshot of the drafts and is safe for
// concurrent use.
type Compiler struct {
	steps    []domain.StepDraft
	cfg      CompileConfig
	metadata ports.MetadataProvider
	devices  ports.DeviceAssigner
	metrics  ports.MetricsCollector
	logger   *slog.Logger
	tracer   trace.Tracer
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithMetadataProvider sets the source of per-well plan-time metadata.
func WithMetadataProvider(p ports.MetadataProvider) CompilerOption {
	return func(c *Compiler) { c.metadata = p }
}

// WithDeviceAssigner sets the device pool for accelerator steps.
func WithDeviceAssigner(d ports.DeviceAssigner) CompilerOption {
	return func(c *Compiler) { c.devices = d }
}

// WithCompilerMetrics sets the metrics collector.
func WithCompilerMetrics(m ports.MetricsCollector) CompilerOption {
	return func(c *Compiler) { c.metrics = m }
}

// WithCompilerLogger sets the fallback logger used when the context
// carries none.
func WithCompilerLogger(l *slog.Logger) CompilerOption {
	return func(c *Compiler) { c.logger = l }
}

// NewCompiler creates a compiler for steps. The drafts are copied; later
// changes to them do not affect the compiler.
func NewCompiler(steps []*domain.StepDraft, cfg CompileConfig, opts ...CompilerOption) (*Compiler, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no steps", domain.ErrInvalidStep)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	snapshot := make([]domain.StepDraft, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("%w: step %d is nil", domain.ErrInvalidStep, i)
		}
		snapshot[i] = *s
		snapshot[i].VariableComponents = slices.Clone(s.VariableComponents)
	}

	c := &Compiler{
		steps:  snapshot,
		cfg:    cfg,
		tracer: otel.Tracer("wellflow/compiler"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the compiler's configuration.
func (c *Compiler) Config() CompileConfig { return c.cfg }

// Steps returns the number of steps in the pipeline.
func (c *Compiler) Steps() int { return len(c.steps) }

// build is the scratch state of one compilation.
type build struct {
	well  string
	ec    *domain.ExecutionContext
	steps []domain.StepDraft
	// patterns holds each step's metadata-rewritten pattern until
	// contract validation stores it into the plan.
	patterns []domain.Pattern
}

type phase struct {
	id  domain.Phase
	run func(ctx context.Context, c *Compiler, b *build) error
}

var phases = []phase{
	{id: domain.PhaseInitialize, run: initializePhase},
	{id: domain.PhaseDeclareStores, run: declareStoresPhase},
	{id: domain.PhasePlanBackends, run: planBackendsPhase},
	{id: domain.PhaseValidateContracts, run: validateContractsPhase},
	{id: domain.PhaseAssignResources, run: assignResourcesPhase},
}

// Compile runs every phase for well and returns the frozen context. All
// failures are *domain.CompileError.
func (c *Compiler) Compile(ctx context.Context, well string) (*domain.ExecutionContext, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "Compiler.Compile", trace.WithAttributes(
		attribute.String("well.id", well),
		attribute.Int("pipeline.steps", len(c.steps)),
	))
	defer span.End()

	logger := c.loggerFrom(ctx).With("well", well)
	ctx = ctxlog.WithLogger(ctx, logger)

	ec, err := c.compile(ctx, well)
	elapsed := time.Since(start)
	if err != nil {
		var ce *domain.CompileError
		phaseName := "unknown"
		if errors.As(err, &ce) {
			phaseName = ce.Phase.String()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("compile failed", "phase", phaseName, "error", err)
		c.record(elapsed, "failed", phaseName)
		return nil, err
	}

	span.SetStatus(codes.Ok, "compiled")
	logger.Debug("compiled well", "steps", ec.Len(), "elapsed", elapsed)
	c.record(elapsed, "succeeded", "")
	return ec, nil
}

func (c *Compiler) compile(ctx context.Context, well string) (*domain.ExecutionContext, error) {
	if well == "" {
		return nil, domain.NewCompileError(well, domain.PhaseNone, -1, "", "well id is empty", domain.ErrInvalidStep)
	}

	b := &build{
		well:     well,
		ec:       domain.NewExecutionContext(well),
		steps:    c.steps,
		patterns: make([]domain.Pattern, len(c.steps)),
	}

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewCompileError(well, p.id, -1, "", "compilation cancelled", err)
		}
		if err := c.runPhase(ctx, p, b); err != nil {
			return nil, err
		}
	}

	b.ec.Freeze()
	return b.ec, nil
}

func (c *Compiler) runPhase(ctx context.Context, p phase, b *build) error {
	ctx, span := c.tracer.Start(ctx, "Compiler."+p.id.String())
	defer span.End()

	if err := b.ec.RequirePhase(p.id - 1); err != nil {
		return domain.NewCompileError(b.well, p.id, -1, "", "phase precondition", err)
	}
	if err := p.run(ctx, c, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var ce *domain.CompileError
		if errors.As(err, &ce) {
			return err
		}
		return domain.NewCompileError(b.well, p.id, -1, "", "phase failed", err)
	}
	if err := b.ec.AdvancePhase(p.id); err != nil {
		return domain.NewCompileError(b.well, p.id, -1, "", "advance phase", err)
	}
	return nil
}

func (c *Compiler) loggerFrom(ctx context.Context) *slog.Logger {
	return ctxlog.FromContextOr(ctx, c.logger)
}

func (c *Compiler) record(elapsed time.Duration, status, phase string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordLatency(ports.MetricCompileDuration, elapsed, map[string]string{"status": status})
	if phase != "" {
		c.metrics.RecordCounter(ports.MetricCompileErrors, 1, map[string]string{"phase": phase})
	}
}

// CompileAll compiles every well concurrently. It returns the contexts of
// the wells that compiled and the errors of those that did not; a failing
// well never affects another.
func (c *Compiler) CompileAll(ctx context.Context, wells []string) (map[string]*domain.ExecutionContext, map[string]error) {
	contexts := make(map[string]*domain.ExecutionContext, len(wells))
	errs := make(map[string]error)
	var mu sync.Mutex

	limit := c.cfg.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, well := range slices.Compact(slices.Sorted(slices.Values(wells))) {
		g.Go(func() error {
			ec, err := c.Compile(ctx, well)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[well] = err
				return nil
			}
			contexts[well] = ec
			return nil
		})
	}
	_ = g.Wait()

	return contexts, errs
}
