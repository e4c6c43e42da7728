package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("passage")

// Span attribute keys.
const (
	ThreadIDKey     = attribute.Key("passage.thread_id")
	OpKey           = attribute.Key("passage.op")
	NodeKey         = attribute.Key("passage.node")
	StepKey         = attribute.Key("passage.step")
	NextKey         = attribute.Key("passage.next")
	StageKey        = attribute.Key("passage.stage")
	CheckpointIDKey = attribute.Key("passage.checkpoint_id")
	FallbackKey     = attribute.Key("passage.fallback")
)

// Span event names.
const (
	EventInterrupt = "interrupt"
	EventRoute     = "route"
	EventNodeError = "node_error"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span for one engine call on a thread.
	StartRunSpan(ctx context.Context, op, threadID string) (context.Context, trace.Span)

	// StartStepSpan starts a child span for a node execution.
	StartStepSpan(ctx context.Context, node string, step int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the span in ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider. Configure the provider before starting spans:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartRunSpan(ctx context.Context, op, threadID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "passage."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(OpKey.String(op), ThreadIDKey.String(threadID)),
	)
}

func (otelSpanManager) StartStepSpan(ctx context.Context, node string, step int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "passage.node/"+node,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(NodeKey.String(node), StepKey.Int(step)),
	)
}

// EndSpanWithError marks the span failed when err is set. Node failures
// recorded in workflow state are reported by the caller as events, not here.
func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

// StartRunSpan returns ctx and a non-recording span.
func (NoopSpanManager) StartRunSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

// StartStepSpan returns ctx and a non-recording span.
func (NoopSpanManager) StartStepSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
