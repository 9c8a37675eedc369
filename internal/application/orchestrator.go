package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-wellflow/internal/ctxlog"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// Well execution failures outside of step code.
var (
	// ErrNotFrozen indicates an execution context handed to the
	// orchestrator before compilation finished.
	ErrNotFrozen = errors.New("execution context is not frozen")

	// ErrWellPanicked indicates a panic recovered while running a well.
	ErrWellPanicked = errors.New("well panicked")
)

// occupancyReporter is implemented by device trackers that can report
// per-device occupancy for the device gauge.
type occupancyReporter interface {
	Occupancy() []int
}

// Orchestrator runs compiled wells across a pool of workers. Each worker
// owns one VFS handle for its whole lifetime and resets it after every
// well; wells never share a handle concurrently.
type Orchestrator struct {
	newHandle func() ports.VFS
	runner    *StepRunner
	devices   ports.DeviceTracker
	metrics   ports.MetricsCollector
	observer  ports.ExecutionObserver
	logger    *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDeviceTracker sets the device bookkeeping used around each well.
func WithDeviceTracker(d ports.DeviceTracker) OrchestratorOption {
	return func(o *Orchestrator) { o.devices = d }
}

// WithOrchestratorMetrics sets the metrics collector.
func WithOrchestratorMetrics(m ports.MetricsCollector) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithExecutionObserver sets the observer notified when wells start and
// finish.
func WithExecutionObserver(obs ports.ExecutionObserver) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithOrchestratorLogger sets the fallback logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator. newHandle is called once per
// worker to obtain its private VFS handle.
func NewOrchestrator(newHandle func() ports.VFS, runner *StepRunner, opts ...OrchestratorOption) (*Orchestrator, error) {
	if newHandle == nil {
		return nil, fmt.Errorf("orchestrator requires a handle factory")
	}
	if runner == nil {
		return nil, fmt.Errorf("orchestrator requires a step runner")
	}
	o := &Orchestrator{
		newHandle: newHandle,
		runner:    runner,
		observer:  noopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ExecuteAll runs every well and returns one terminal result per well.
// workerLimit <= 0 means GOMAXPROCS. With one worker the wells run in
// the calling goroutine. Failures are isolated: a failing well is
// recorded and the rest keep running.
func (o *Orchestrator) ExecuteAll(
	ctx context.Context,
	contexts map[string]*domain.ExecutionContext,
	workerLimit int,
) map[string]domain.ExecutionResult {
	wells := slices.Sorted(maps.Keys(contexts))
	results := make(map[string]domain.ExecutionResult, len(wells))
	if len(wells) == 0 {
		return results
	}

	workers := workerLimit
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, len(wells))

	logger := ctxlog.FromContextOr(ctx, o.logger)
	logger.Info("executing wells", "wells", len(wells), "workers", workers)

	if workers == 1 {
		handle := o.newHandle()
		defer o.closeHandle(logger, handle)
		o.gauge(ports.MetricActiveWorkers, 1, nil)
		for _, well := range wells {
			results[well] = o.executeWell(ctx, well, contexts[well], handle)
		}
		o.gauge(ports.MetricActiveWorkers, 0, nil)
		return results
	}

	var mu sync.Mutex
	queue := make(chan string)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			handle := o.newHandle()
			defer o.closeHandle(logger.With("worker", w), handle)
			for well := range queue {
				result := o.executeWell(ctx, well, contexts[well], handle)
				mu.Lock()
				results[well] = result
				mu.Unlock()
			}
			return nil
		})
	}
	o.gauge(ports.MetricActiveWorkers, float64(workers), nil)
	for _, well := range wells {
		queue <- well
	}
	close(queue)
	_ = g.Wait()
	o.gauge(ports.MetricActiveWorkers, 0, nil)

	return results
}

// executeWell runs one well to a terminal result. Cleanup always runs and
// finishes before the result is returned.
func (o *Orchestrator) executeWell(
	ctx context.Context,
	well string,
	ec *domain.ExecutionContext,
	handle ports.VFS,
) domain.ExecutionResult {
	start := time.Now()
	ctx = o.observer.WellStarted(ctx, well)
	logger := ctxlog.FromContextOr(ctx, o.logger).With("well", well)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("well running", "status", domain.StatusRunning)

	var devices []int
	err := checkContext(well, ec)
	if err == nil {
		devices = wellDevices(ec)
		for _, d := range devices {
			o.activate(d)
		}
		err = o.run(ctx, ec, handle)
	}
	err = errors.Join(err, o.cleanup(ctx, handle, devices))

	result := domain.ExecutionResult{
		Well:     well,
		Status:   domain.StatusSucceeded,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Status = domain.StatusFailed
		result.Error = err.Error()
		logger.Error("well failed", "error", err, "elapsed", result.Duration)
	} else {
		logger.Info("well succeeded", "elapsed", result.Duration)
	}
	o.observer.WellFinished(ctx, result)
	return result
}

func checkContext(well string, ec *domain.ExecutionContext) error {
	switch {
	case ec == nil:
		return fmt.Errorf("well %s has no execution context", well)
	case !ec.IsFrozen():
		return fmt.Errorf("well %s: %w", well, ErrNotFrozen)
	case ec.Well() != well:
		return fmt.Errorf("well %s: context belongs to well %s", well, ec.Well())
	}
	return nil
}

// run executes the steps and turns a panic into an error.
func (o *Orchestrator) run(ctx context.Context, ec *domain.ExecutionContext, handle ports.VFS) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("recovered panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrWellPanicked, r)
		}
	}()
	return o.runner.Run(ctx, ec, handle)
}

// cleanup reclaims everything the well acquired: the handle's backend
// instances, device occupancy and device-side caches.
func (o *Orchestrator) cleanup(ctx context.Context, handle ports.VFS, devices []int) error {
	var err error
	if rerr := handle.Reset(context.WithoutCancel(ctx)); rerr != nil {
		err = fmt.Errorf("cleanup: %w", rerr)
	}
	if o.devices == nil {
		return err
	}
	for _, d := range devices {
		o.devices.Deactivate(d)
		o.devices.ReleaseCaches(d)
	}
	if rep, ok := o.devices.(occupancyReporter); ok {
		for d, n := range rep.Occupancy() {
			o.gauge(ports.MetricDeviceOccupancy, float64(n), map[string]string{"device": strconv.Itoa(d)})
		}
	}
	return err
}

func (o *Orchestrator) activate(device int) {
	if o.devices != nil {
		o.devices.Activate(device)
	}
}

func (o *Orchestrator) closeHandle(logger *slog.Logger, handle ports.VFS) {
	if err := handle.Close(); err != nil {
		logger.Warn("close storage handle", "error", err)
	}
}

func (o *Orchestrator) gauge(metric string, v float64, labels map[string]string) {
	if o.metrics != nil {
		o.metrics.RecordGauge(metric, v, labels)
	}
}

// wellDevices returns the distinct devices the well's steps run on.
func wellDevices(ec *domain.ExecutionContext) []int {
	var out []int
	for _, p := range ec.Plans() {
		if p.Device != domain.NoDevice && !slices.Contains(out, p.Device) {
			out = append(out, p.Device)
		}
	}
	slices.Sort(out)
	return out
}
