// Package middleware provides cross-cutting concerns for the execution
// engine: Prometheus metrics and OpenTelemetry tracing.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-wellflow/internal/ports"
)

const namespace = "wellflow"

// PrometheusMetrics implements the MetricsCollector interface using Prometheus.
// It tracks well outcomes, step latency, compile failures and device
// occupancy.
type PrometheusMetrics struct {
	wellsTotal       *prometheus.CounterVec
	wellDuration     *prometheus.HistogramVec
	stepDuration     *prometheus.HistogramVec
	stepFailures     *prometheus.CounterVec
	compileErrors    *prometheus.CounterVec
	compileDuration  *prometheus.HistogramVec
	deviceOccupancy  *prometheus.GaugeVec
	operationLatency *prometheus.HistogramVec
	operationCounter *prometheus.CounterVec
	systemGauges     *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance and registers
// all metrics with reg. A nil reg uses the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		wellsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wells_total",
				Help:      "Wells that reached a terminal state, by status.",
			},
			[]string{"status"},
		),
		wellDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "well_duration_seconds",
				Help:      "Wall time of one well from start to recorded result.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Execution time of one step for one well.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		stepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Steps that failed, by step name.",
			},
			[]string{"step"},
		),
		compileErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compile_errors_total",
				Help:      "Wells whose compilation failed, by phase.",
			},
			[]string{"phase"},
		),
		compileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Time to compile the plan of one well.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		deviceOccupancy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_occupancy",
				Help:      "Wells currently executing on each device.",
			},
			[]string{"device"},
		),
		operationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Execution time of other engine operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of other engine operations.",
			},
			[]string{"operation", "status"},
		),
		systemGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_state",
				Help:      "Current engine state values.",
			},
			[]string{"metric"},
		),
	}
}

func label(labels map[string]string, key string) string {
	if v, ok := labels[key]; ok && v != "" {
		return v
	}
	return "unknown"
}

// RecordLatency implements the MetricsCollector interface by recording
// execution latency in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordLatency(
	operation string,
	duration time.Duration,
	labels map[string]string,
) {
	switch operation {
	case ports.MetricWellDuration:
		pm.wellDuration.WithLabelValues(label(labels, "status")).Observe(duration.Seconds())
	case ports.MetricStepDuration:
		pm.stepDuration.WithLabelValues(label(labels, "step")).Observe(duration.Seconds())
	case ports.MetricCompileDuration:
		pm.compileDuration.WithLabelValues(label(labels, "status")).Observe(duration.Seconds())
	default:
		pm.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCounter implements the MetricsCollector interface by incrementing
// Prometheus counters.
func (pm *PrometheusMetrics) RecordCounter(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case ports.MetricWellsTotal:
		pm.wellsTotal.WithLabelValues(label(labels, "status")).Add(value)
	case ports.MetricStepFailures:
		pm.stepFailures.WithLabelValues(label(labels, "step")).Add(value)
	case ports.MetricCompileErrors:
		pm.compileErrors.WithLabelValues(label(labels, "phase")).Add(value)
	default:
		pm.operationCounter.WithLabelValues(metric, label(labels, "status")).Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface by setting
// Prometheus gauge values.
func (pm *PrometheusMetrics) RecordGauge(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case ports.MetricDeviceOccupancy:
		pm.deviceOccupancy.WithLabelValues(label(labels, "device")).Set(value)
	default:
		pm.systemGauges.WithLabelValues(metric).Set(value)
	}
}

// RecordHistogram implements the MetricsCollector interface by recording
// values in a Prometheus histogram. Values are routed to the general
// operation histogram.
func (pm *PrometheusMetrics) RecordHistogram(
	metric string, value float64, labels map[string]string,
) {
	pm.operationLatency.WithLabelValues(metric).Observe(value)
}

// Compile-time verification that PrometheusMetrics implements MetricsCollector.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
