package passage

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/passage/pkg/passage/observability"
)

// engineConfig holds Engine settings.
type engineConfig struct {
	graph     *Graph
	nodes     NodeConfig
	namespace string
	maxSteps  int
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	now       func() time.Time
}

// defaultEngineConfig returns the default engine configuration.
func defaultEngineConfig() engineConfig {
	return engineConfig{
		maxSteps: 100,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		now:      time.Now,
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithGraph replaces the default planning graph.
func WithGraph(g Graph) Option {
	return func(c *engineConfig) {
		c.graph = &g
	}
}

// WithNodeConfig tunes the built-in nodes of the default graph.
// Ignored when WithGraph is used.
func WithNodeConfig(cfg NodeConfig) Option {
	return func(c *engineConfig) {
		c.nodes = cfg
	}
}

// WithCostApprovalThreshold sets the estimated cost above which service
// planning raises a cost approval decision. Default: 10000.
func WithCostApprovalThreshold(threshold float64) Option {
	return func(c *engineConfig) {
		c.nodes.CostApprovalThreshold = threshold
	}
}

// WithNamespace sets the checkpoint namespace used for every thread.
// Default: "".
func WithNamespace(ns string) Option {
	return func(c *engineConfig) {
		c.namespace = ns
	}
}

// WithMaxSteps sets the maximum number of node executions per Run, Start
// or Resume call.
// Default: 100
//
// This prevents routing loops from running forever. If a call exceeds
// this limit it returns a *MaxStepsError and the thread can be continued
// with Run.
func WithMaxSteps(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithLogger sets the logger. Node contexts receive it enriched with
// thread_id, node and step.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables run and step spans.
func WithTracing(spans observability.SpanManager) Option {
	return func(c *engineConfig) {
		if spans != nil {
			c.spans = spans
		}
	}
}

// WithClock sets the time source for state and checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) {
		if now != nil {
			c.now = now
		}
	}
}
