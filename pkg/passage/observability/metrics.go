package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine and checkpoint store metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStep records a node execution with its duration and error status.
	RecordStep(ctx context.Context, node string, duration time.Duration, err error)

	// RecordRun records an engine invocation and the status it ended in.
	RecordRun(ctx context.Context, status string, duration time.Duration)

	// RecordInterrupt records a suspension before an interrupt node.
	RecordInterrupt(ctx context.Context, node string)

	// RecordCheckpoint records a persisted checkpoint.
	RecordCheckpoint(ctx context.Context, stage string, sizeBytes int64)

	// RecordCacheLookup records a cache hit or miss on an exact-id read.
	RecordCacheLookup(ctx context.Context, hit bool)

	// RecordSweep records a retention sweep.
	RecordSweep(ctx context.Context, deleted, failures int, duration time.Duration)
}

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordStep(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordRun(context.Context, string, time.Duration) {}
func (NoopMetrics) RecordInterrupt(context.Context, string) {}
func (NoopMetrics) RecordCheckpoint(context.Context, string, int64) {}
func (NoopMetrics) RecordCacheLookup(context.Context, bool) {}
func (NoopMetrics) RecordSweep(context.Context, int, int, time.Duration) {}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	interrupts     metric.Int64Counter
	checkpointSize metric.Int64Histogram
	cacheLookups   metric.Int64Counter
	sweepRuns      metric.Int64Counter
	sweepDeleted   metric.Int64Counter
	sweepFailures  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates the instruments on the global meter provider.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("passage")
	m := &otelMetrics{}
	var err error

	if m.stepExecutions, err = meter.Int64Counter("passage.step.executions",
		metric.WithDescription("Number of node executions"),
	); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("passage.step.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stepErrors, err = meter.Int64Counter("passage.step.errors",
		metric.WithDescription("Number of node executions that recorded an error"),
	); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("passage.run.count",
		metric.WithDescription("Number of engine invocations"),
	); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("passage.run.latency_ms",
		metric.WithDescription("Engine invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("passage.interrupts",
		metric.WithDescription("Number of suspensions before interrupt nodes"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("passage.checkpoint.size_bytes",
		metric.WithDescription("Encoded checkpoint size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("passage.cache.lookups",
		metric.WithDescription("Checkpoint cache lookups by outcome"),
	); err != nil {
		return nil, err
	}
	if m.sweepRuns, err = meter.Int64Counter("passage.retention.sweeps",
		metric.WithDescription("Number of retention sweeps"),
	); err != nil {
		return nil, err
	}
	if m.sweepDeleted, err = meter.Int64Counter("passage.retention.deleted",
		metric.WithDescription("Checkpoints removed by retention"),
	); err != nil {
		return nil, err
	}
	if m.sweepFailures, err = meter.Int64Counter("passage.retention.failures",
		metric.WithDescription("Threads whose retention prune failed"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStep(ctx context.Context, node string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node", node))
	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordInterrupt(ctx context.Context, node string) {
	m.interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node)))
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, stage string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *otelMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *otelMetrics) RecordSweep(ctx context.Context, deleted, failures int, _ time.Duration) {
	m.sweepRuns.Add(ctx, 1)
	m.sweepDeleted.Add(ctx, int64(deleted))
	m.sweepFailures.Add(ctx, int64(failures))
}
