package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/ahrav/go-wellflow/internal/ctxlog"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// Runtime failures of a step.
var (
	// ErrNoInput indicates a step that found no input files for its well.
	ErrNoInput = errors.New("no input files")

	// ErrNoRoute indicates a group whose group_by value has no route in a
	// keyed pattern.
	ErrNoRoute = errors.New("no route for group")

	// ErrStackGrew indicates a function returning more items than it got.
	ErrStackGrew = errors.New("output stack larger than input stack")

	// ErrUndeclaredSpecial indicates a function returning a special output
	// its contract does not declare.
	ErrUndeclaredSpecial = errors.New("undeclared special output")

	// ErrMissingSpecial indicates a declared special output that no call
	// of the step produced.
	ErrMissingSpecial = errors.New("special output not produced")
)

// StepRunner executes the steps of a frozen ExecutionContext against a
// worker's VFS handle.
type StepRunner struct {
	parser   ports.FilenameParser
	observer ports.ExecutionObserver
	logger   *slog.Logger
}

// StepRunnerOption configures a StepRunner.
type StepRunnerOption func(*StepRunner)

// WithStepObserver sets the observer notified around every step.
func WithStepObserver(o ports.ExecutionObserver) StepRunnerOption {
	return func(r *StepRunner) { r.observer = o }
}

// WithStepLogger sets the fallback logger.
func WithStepLogger(l *slog.Logger) StepRunnerOption {
	return func(r *StepRunner) { r.logger = l }
}

// NewStepRunner creates a runner that groups input files with parser.
func NewStepRunner(parser ports.FilenameParser, opts ...StepRunnerOption) (*StepRunner, error) {
	if parser == nil {
		return nil, fmt.Errorf("step runner requires a filename parser")
	}
	r := &StepRunner{parser: parser, observer: noopObserver{}}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes every step of ec in order. The first failing step stops
// the well.
func (r *StepRunner) Run(ctx context.Context, ec *domain.ExecutionContext, vfs ports.VFS) error {
	for _, plan := range ec.Plans() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("step %d(%s): %w", plan.Index, plan.Name, err)
		}
		stepCtx := r.observer.StepStarted(ctx, ec.Well(), plan)
		start := time.Now()
		err := r.RunStep(stepCtx, plan, vfs)
		r.observer.StepFinished(stepCtx, ec.Well(), plan, time.Since(start), err)
		if err != nil {
			return fmt.Errorf("step %d(%s): %w", plan.Index, plan.Name, err)
		}
	}
	return nil
}

// stack is one group of input files processed by a single pattern call.
type stack struct {
	key      string
	groupKey string
	names    []string
}

// RunStep executes one step plan.
func (r *StepRunner) RunStep(ctx context.Context, plan domain.StepPlan, vfs ports.VFS) error {
	logger := ctxlog.FromContextOr(ctx, r.logger).With("step", plan.Name)

	if plan.Func == nil {
		return fmt.Errorf("%w: plan has no validated pattern", domain.ErrMalformedPattern)
	}
	if plan.Chunked != nil {
		opts := ports.StoreOptions{ChunkSize: plan.Chunked.ChunkSize, CompressionLevel: plan.Chunked.CompressionLevel}
		if err := vfs.Prepare(ctx, plan.Chunked.Root, domain.BackendChunked, opts); err != nil {
			return fmt.Errorf("prepare chunked store %s: %w", plan.Chunked.Root, err)
		}
	}

	stacks, err := r.stacks(ctx, plan, vfs)
	if err != nil {
		return err
	}

	specialsIn := make(map[string]any, len(plan.SpecialInputs))
	for _, key := range slices.Sorted(maps.Keys(plan.SpecialInputs)) {
		link := plan.SpecialInputs[key]
		v, err := vfs.Load(ctx, link.Path, link.Backend)
		if err != nil {
			return fmt.Errorf("load special input %q from step %s: %w", key, link.ProducerStep, err)
		}
		specialsIn[key] = v
	}

	specialsOut := make(map[string]any)
	for _, s := range stacks {
		if err := r.runStack(ctx, plan, vfs, s, specialsIn, specialsOut); err != nil {
			return fmt.Errorf("group %s: %w", s.key, err)
		}
	}

	for _, key := range slices.Sorted(maps.Keys(plan.SpecialOutputs)) {
		v, ok := specialsOut[key]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingSpecial, key)
		}
		link := plan.SpecialOutputs[key]
		if err := vfs.Save(ctx, v, link.Path, link.Backend); err != nil {
			return fmt.Errorf("save special output %q: %w", key, err)
		}
	}

	logger.Debug("step completed", "groups", len(stacks), "specials", len(specialsOut))
	return nil
}

// stacks lists the step input and groups the well's files by every
// component that is neither the well nor a variable component.
func (r *StepRunner) stacks(ctx context.Context, plan domain.StepPlan, vfs ports.VFS) ([]stack, error) {
	names, err := vfs.List(ctx, plan.InputDir, plan.ReadBackend)
	if err != nil {
		return nil, fmt.Errorf("list %s on %s: %w", plan.InputDir, plan.ReadBackend, err)
	}

	var fixed []domain.Component
	for _, c := range domain.Components() {
		if c != domain.ComponentWell && !slices.Contains(plan.VariableComponents, c) {
			fixed = append(fixed, c)
		}
	}

	groups := make(map[string]*stack)
	for _, name := range names {
		comps, ok := r.parser.Parse(name)
		if !ok || comps[domain.ComponentWell] != plan.Well {
			continue
		}
		parts := make([]string, len(fixed))
		for i, c := range fixed {
			parts[i] = string(c) + "=" + comps[c]
		}
		key := strings.Join(parts, ",")
		s, ok := groups[key]
		if !ok {
			s = &stack{key: key}
			if plan.GroupBy != "" {
				s.groupKey = comps[plan.GroupBy]
			}
			groups[key] = s
		}
		s.names = append(s.names, name)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: well %s in %s on %s", ErrNoInput, plan.Well, plan.InputDir, plan.ReadBackend)
	}

	out := make([]stack, 0, len(groups))
	for _, key := range slices.Sorted(maps.Keys(groups)) {
		s := groups[key]
		slices.Sort(s.names)
		out = append(out, *s)
	}
	return out, nil
}

func (r *StepRunner) runStack(
	ctx context.Context,
	plan domain.StepPlan,
	vfs ports.VFS,
	s stack,
	specialsIn, specialsOut map[string]any,
) error {
	items := make([]any, len(s.names))
	for i, name := range s.names {
		v, err := vfs.Load(ctx, path.Join(plan.InputDir, name), plan.ReadBackend)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		items[i] = v
	}

	call := domain.Call{
		Well:     plan.Well,
		GroupKey: s.groupKey,
		Stack:    items,
		Device:   plan.Device,
	}
	out, err := apply(ctx, plan.Func, call, specialsIn)
	if err != nil {
		return err
	}
	if len(out.Stack) > len(items) {
		return fmt.Errorf("%w: %d > %d", ErrStackGrew, len(out.Stack), len(items))
	}

	for i, item := range out.Stack {
		if err := vfs.Save(ctx, item, path.Join(plan.OutputDir, s.names[i]), plan.WriteBackend); err != nil {
			return fmt.Errorf("save %s: %w", s.names[i], err)
		}
	}
	maps.Copy(specialsOut, out.Specials)
	return nil
}

// apply evaluates a pattern against one call. Sequences feed each item's
// stack into the next; special outputs accumulate across the sequence.
func apply(ctx context.Context, p domain.Pattern, call domain.Call, specials map[string]any) (domain.Output, error) {
	switch n := p.(type) {
	case domain.Single:
		return invoke(ctx, n.Fn, nil, call, specials)
	case domain.Parameterized:
		return invoke(ctx, n.Fn, n.Params(), call, specials)
	case domain.Sequence:
		out := domain.Output{Stack: call.Stack, Specials: map[string]any{}}
		for _, item := range n.Items() {
			call.Stack = out.Stack
			next, err := apply(ctx, item, call, specials)
			if err != nil {
				return domain.Output{}, err
			}
			out.Stack = next.Stack
			maps.Copy(out.Specials, next.Specials)
		}
		return out, nil
	case domain.Keyed:
		route, ok := n.Route(call.GroupKey)
		if !ok {
			return domain.Output{}, fmt.Errorf("%w: %q (routes %v)", ErrNoRoute, call.GroupKey, n.Keys())
		}
		return apply(ctx, route, call, specials)
	default:
		return domain.Output{}, fmt.Errorf("%w: unknown pattern %T", domain.ErrMalformedPattern, p)
	}
}

// invoke runs one leaf with its bound parameters and declared special
// inputs merged into the call.
func invoke(ctx context.Context, fn *domain.Function, params map[string]any, call domain.Call, specials map[string]any) (domain.Output, error) {
	merged := make(map[string]any, len(params)+len(fn.Contract.SpecialInputs))
	maps.Copy(merged, params)
	for _, key := range fn.Contract.SpecialInputs {
		merged[key] = specials[key]
	}
	call.Params = merged

	out, err := fn.Kernel(ctx, call)
	if err != nil {
		return domain.Output{}, fmt.Errorf("function %s: %w", fn.Name, err)
	}
	if len(out.Stack) > len(call.Stack) {
		return domain.Output{}, fmt.Errorf("function %s: %w: %d > %d", fn.Name, ErrStackGrew, len(out.Stack), len(call.Stack))
	}
	for key := range out.Specials {
		if !slices.Contains(fn.Contract.SpecialOutputs, key) {
			return domain.Output{}, fmt.Errorf("function %s: %w: %q", fn.Name, ErrUndeclaredSpecial, key)
		}
	}
	return out, nil
}

// noopObserver is the default ExecutionObserver.
type noopObserver struct{}

func (noopObserver) WellStarted(ctx context.Context, _ string) context.Context { return ctx }
func (noopObserver) WellFinished(context.Context, domain.ExecutionResult)     {}
func (noopObserver) StepStarted(ctx context.Context, _ string, _ domain.StepPlan) context.Context {
	return ctx
}
func (noopObserver) StepFinished(context.Context, string, domain.StepPlan, time.Duration, error) {}
