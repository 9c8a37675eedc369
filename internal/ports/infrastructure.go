// Package ports defines the contracts between the compiler/orchestrator
// and the infrastructure layer: storage backends, device registries,
// metadata sources, filename parsers and metrics.
package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// StorageBackend is the plugin contract every storage medium implements.
// One instance belongs to exactly one worker handle and is never shared.
type StorageBackend interface {
	// Save stores data at path, replacing any previous value.
	Save(ctx context.Context, path string, data any) error

	// Load returns the value at path. A path that was never written fails
	// with an error wrapping ErrNotFound.
	Load(ctx context.Context, path string) (any, error)

	// Exists reports whether path holds a value.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the sorted entry names directly under dir. A missing
	// directory yields an empty list.
	List(ctx context.Context, dir string) ([]string, error)

	// Reset drops every mapping the instance holds for its handle. It must
	// be safe to call repeatedly and between wells.
	Reset(ctx context.Context) error

	// Close releases the instance. Use after Close fails.
	Close() error
}

// StoreOptions parameterizes a store declared at compile time.
type StoreOptions struct {
	ChunkSize        int
	CompressionLevel int
}

// Preparer is an optional StorageBackend capability for backends that
// take per-directory settings before the first write.
type Preparer interface {
	Prepare(ctx context.Context, dir string, opts StoreOptions) error
}

// BackendFactory opens a fresh backend instance.
type BackendFactory func() (StorageBackend, error)

// DeviceAssigner hands out accelerator devices at compile time.
type DeviceAssigner interface {
	// Assign returns the device for a well. Repeated calls for the same
	// well return the same device.
	Assign(well string) (int, error)
}

// DeviceTracker records device usage while wells execute and releases
// device-side caches afterwards.
type DeviceTracker interface {
	Activate(device int)
	Deactivate(device int)
	ReleaseCaches(device int)
}

// MetadataProvider resolves plan-time metadata for a well.
type MetadataProvider interface {
	Metadata(ctx context.Context, well string) (domain.Metadata, error)
}

// FilenameParser extracts components from input file names.
type FilenameParser interface {
	// Parse returns the components encoded in name, or false when the
	// name does not follow the parser's convention.
	Parse(name string) (map[domain.Component]string, bool)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus, OpenTelemetry, or custom monitoring solutions.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// Metric names recorded by the compiler and the orchestrator.
const (
	MetricWellsTotal      = "wells_total"
	MetricWellDuration    = "well_duration"
	MetricStepDuration    = "step_duration"
	MetricStepFailures    = "step_failures_total"
	MetricCompileErrors   = "compile_errors_total"
	MetricCompileDuration = "compile_duration"
	MetricDeviceOccupancy = "device_occupancy"
	MetricActiveWorkers   = "active_workers"
)

// ExecutionObserver receives well and step lifecycle events from the
// orchestrator. Start methods return the context the observed work runs
// under, so implementations can attach spans to it.
type ExecutionObserver interface {
	WellStarted(ctx context.Context, well string) context.Context
	WellFinished(ctx context.Context, result domain.ExecutionResult)
	StepStarted(ctx context.Context, well string, plan domain.StepPlan) context.Context
	StepFinished(ctx context.Context, well string, plan domain.StepPlan, elapsed time.Duration, err error)
}

// VFS is a worker's storage handle: location-transparent access to every
// registered backend. storage.FileManager implements it. A handle is
// driven by one worker at a time.
type VFS interface {
	Save(ctx context.Context, data any, path string, backend domain.Backend) error
	Load(ctx context.Context, path string, backend domain.Backend) (any, error)
	Exists(ctx context.Context, path string, backend domain.Backend) (bool, error)
	List(ctx context.Context, dir string, backend domain.Backend) ([]string, error)
	Prepare(ctx context.Context, dir string, backend domain.Backend, opts StoreOptions) error

	// Reset drops every backend instance the handle opened. It runs after
	// each well and is safe to call repeatedly.
	Reset(ctx context.Context) error
	Close() error
}
