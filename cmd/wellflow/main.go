// Command wellflow compiles a pipeline file for every well of a plate and
// executes the compiled plans.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/go-wellflow/infrastructure/devices"
	"github.com/ahrav/go-wellflow/infrastructure/functions"
	"github.com/ahrav/go-wellflow/infrastructure/microscope"
	"github.com/ahrav/go-wellflow/infrastructure/middleware"
	"github.com/ahrav/go-wellflow/infrastructure/storage"
	"github.com/ahrav/go-wellflow/internal/application"
	"github.com/ahrav/go-wellflow/internal/ctxlog"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
	"github.com/ahrav/go-wellflow/internal/testutils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			stop()
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// run wires the engine and processes every well. Logs go to errW; plan
// dumps and the result summary go to outW.
func run(ctx context.Context, outW, errW io.Writer, args []string) error {
	opts, shouldExit, err := parseArgs(args, errW)
	if err != nil || shouldExit {
		return err
	}

	logger := newLogger(opts.logLevel, opts.logFormat, errW).With("run_id", uuid.NewString())
	ctx = ctxlog.WithLogger(ctx, logger)

	fns := application.NewFunctionRegistry()
	if err := functions.RegisterBuiltins(fns); err != nil {
		return fmt.Errorf("register functions: %w", err)
	}

	// Backend names are checked against the storage registry, so it is
	// populated before the pipeline is validated. Settings that come from
	// the pipeline are bound through engine once it is loaded.
	var engine application.EngineConfig
	reg := storage.NewRegistry()
	if err := registerBackends(reg, opts.root, &engine); err != nil {
		return err
	}

	loader, err := application.NewPipelineLoader(fns, reg.Has)
	if err != nil {
		return err
	}
	pipeline, err := loader.LoadFromFile(ctx, opts.pipeline)
	if err != nil {
		return &exitError{Code: 2, Message: err.Error()}
	}
	engine = pipeline.Engine()
	logger.Info("pipeline loaded", "name", pipeline.Name(), "hash", pipeline.Hash(), "steps", len(pipeline.Steps()))

	setup := reg.NewHandle()
	defer setup.Close()
	parser := microscope.ImageXpressParser{}

	if opts.seedDemo {
		if err := seedDemo(ctx, setup, engine, opts); err != nil {
			return err
		}
	}

	wells := opts.wells
	if len(wells) == 0 {
		wells, err = microscope.DiscoverWells(ctx, setup, parser, engine.InputDir, domain.Backend(engine.InputBackend))
		if err != nil {
			return fmt.Errorf("discover wells: %w", err)
		}
	}
	if len(wells) == 0 {
		return &exitError{Code: 1, Message: fmt.Sprintf("no wells found in %s", engine.InputDir)}
	}

	promReg := prometheus.NewRegistry()
	metrics := middleware.NewPrometheusMetrics(promReg)
	if opts.metricsAddr != "" {
		shutdown := serveMetrics(ctx, logger, opts.metricsAddr, promReg)
		defer shutdown()
	}

	devs := devices.NewRegistry(logger)
	deviceCount := engine.Devices
	if opts.devices >= 0 {
		deviceCount = opts.devices
	}
	devs.Initialize(deviceCount)

	provider := microscope.NewGridProvider(setup, parser, engine.InputDir, domain.Backend(engine.InputBackend),
		microscope.WithLogger(logger))
	compiler, err := application.NewCompiler(pipeline.Steps(), engine.CompileConfig(),
		application.WithMetadataProvider(provider),
		application.WithDeviceAssigner(devs),
		application.WithCompilerMetrics(metrics),
		application.WithCompilerLogger(logger),
	)
	if err != nil {
		return err
	}

	contexts, compileErrs := compiler.CompileAll(ctx, wells)
	for _, well := range slices.Sorted(maps.Keys(compileErrs)) {
		logger.Error("compile failed", "well", well, "error", compileErrs[well])
	}

	if opts.dumpPlan {
		if err := application.DumpPlans(outW, contexts); err != nil {
			return fmt.Errorf("dump plans: %w", err)
		}
		if len(compileErrs) > 0 {
			return &exitError{Code: 1, Message: fmt.Sprintf("%d wells failed to compile", len(compileErrs))}
		}
		return nil
	}

	observer := middleware.NewOTelExecutionObserver(metrics)
	runner, err := application.NewStepRunner(parser,
		application.WithStepObserver(observer),
		application.WithStepLogger(logger),
	)
	if err != nil {
		return err
	}
	orchestrator, err := application.NewOrchestrator(
		func() ports.VFS { return reg.NewHandle() },
		runner,
		application.WithDeviceTracker(devs),
		application.WithOrchestratorMetrics(metrics),
		application.WithExecutionObserver(observer),
		application.WithOrchestratorLogger(logger),
	)
	if err != nil {
		return err
	}

	workers := engine.Workers
	if opts.workers > 0 {
		workers = opts.workers
	}
	results := orchestrator.ExecuteAll(ctx, contexts, workers)
	for well, err := range compileErrs {
		results[well] = domain.ExecutionResult{Well: well, Status: domain.StatusFailed, Error: err.Error()}
	}

	failed := printSummary(outW, results)
	if failed > 0 {
		return &exitError{Code: 1, Message: fmt.Sprintf("%d of %d wells failed", failed, len(results))}
	}
	return nil
}

// registerBackends registers the builtin backends under root. The
// factories read engine when a handle opens a backend, so pipeline
// settings apply even though registration happens before loading.
func registerBackends(reg *storage.Registry, root string, engine *application.EngineConfig) error {
	if err := storage.RegisterDefaults(reg, storage.Options{Root: root}); err != nil {
		return fmt.Errorf("register storage: %w", err)
	}
	if err := reg.Register(domain.BackendDisk, func() (ports.StorageBackend, error) {
		return storage.NewDiskBackend(root, engine.DiskWriteBytesPerSecond)
	}); err != nil {
		return err
	}
	return reg.Register(domain.BackendChunked, func() (ports.StorageBackend, error) {
		return storage.NewChunkedBackend(root, ports.StoreOptions{
			ChunkSize:        engine.ChunkSize,
			CompressionLevel: engine.CompressionLevel,
		})
	})
}

// seedDemo writes a synthetic plate into the pipeline input directory.
func seedDemo(ctx context.Context, vfs ports.VFS, engine application.EngineConfig, opts options) error {
	spec := testutils.DefaultPlateSpec()
	if len(opts.wells) > 0 {
		spec.Wells = opts.wells
	}
	plate, err := testutils.GeneratePlate(spec, opts.seed)
	if err != nil {
		return err
	}
	if err := testutils.SavePlate(ctx, plate, vfs, engine.InputDir, domain.Backend(engine.InputBackend)); err != nil {
		return fmt.Errorf("seed demo plate: %w", err)
	}
	stats := testutils.ComputePlateStatistics(plate)
	ctxlog.FromContext(ctx).Info("demo plate written", "dir", engine.InputDir, "wells", stats.Wells, "images", stats.Images)
	return nil
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// printSummary writes one line per well and returns the failure count.
func printSummary(w io.Writer, results map[string]domain.ExecutionResult) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WELL\tSTATUS\tDURATION\tERROR")
	failed := 0
	for _, well := range slices.Sorted(maps.Keys(results)) {
		r := results[well]
		if !r.Succeeded() {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", well, r.Status, r.Duration.Round(time.Millisecond), r.Error)
	}
	_ = tw.Flush()
	return failed
}
