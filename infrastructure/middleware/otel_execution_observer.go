package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

const tracerName = "wellflow/orchestrator"

var _ ports.ExecutionObserver = (*OTelExecutionObserver)(nil)

// OTelExecutionObserver traces well and step execution with OpenTelemetry
// and forwards outcomes to a MetricsCollector. Spans travel in the
// context returned by the Started methods, so one observer serves every
// worker.
type OTelExecutionObserver struct {
	metrics ports.MetricsCollector
	tracer  trace.Tracer
}

// NewOTelExecutionObserver creates an observer. metrics may be nil.
func NewOTelExecutionObserver(metrics ports.MetricsCollector) *OTelExecutionObserver {
	return &OTelExecutionObserver{
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// WellStarted implements ports.ExecutionObserver.
func (o *OTelExecutionObserver) WellStarted(ctx context.Context, well string) context.Context {
	ctx, _ = o.tracer.Start(ctx, "Orchestrator.ExecuteWell",
		trace.WithAttributes(attribute.String("well.id", well)))
	return ctx
}

// WellFinished implements ports.ExecutionObserver.
func (o *OTelExecutionObserver) WellFinished(ctx context.Context, result domain.ExecutionResult) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("well.status", string(result.Status)),
		attribute.Int64("well.duration_ms", result.Duration.Milliseconds()),
	)
	if result.Succeeded() {
		span.SetStatus(codes.Ok, "well completed")
	} else {
		span.AddEvent("well.failed", trace.WithAttributes(attribute.String("error", result.Error)))
		span.SetStatus(codes.Error, result.Error)
	}

	if o.metrics != nil {
		labels := map[string]string{"status": string(result.Status)}
		o.metrics.RecordCounter(ports.MetricWellsTotal, 1, labels)
		o.metrics.RecordLatency(ports.MetricWellDuration, result.Duration, labels)
	}
}

// StepStarted implements ports.ExecutionObserver.
func (o *OTelExecutionObserver) StepStarted(ctx context.Context, well string, plan domain.StepPlan) context.Context {
	ctx, _ = o.tracer.Start(ctx, "Orchestrator.ExecuteStep", trace.WithAttributes(
		attribute.String("well.id", well),
		attribute.String("step.name", plan.Name),
		attribute.Int("step.index", plan.Index),
		attribute.String("step.read_backend", string(plan.ReadBackend)),
		attribute.String("step.write_backend", string(plan.WriteBackend)),
		attribute.Int("step.device", plan.Device),
	))
	return ctx
}

// StepFinished implements ports.ExecutionObserver.
func (o *OTelExecutionObserver) StepFinished(
	ctx context.Context,
	well string,
	plan domain.StepPlan,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	labels := map[string]string{"step": plan.Name}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.metrics != nil {
			o.metrics.RecordCounter(ports.MetricStepFailures, 1, labels)
		}
	} else {
		span.SetStatus(codes.Ok, "step completed")
	}

	if o.metrics != nil {
		o.metrics.RecordLatency(ports.MetricStepDuration, elapsed, labels)
	}
}
