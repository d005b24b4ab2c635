package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InvocationTracer creates spans around trigger invocations and the engine
// calls they make.
type InvocationTracer struct {
	tracer trace.Tracer
}

// NewInvocationTracer creates an InvocationTracer. If tracer is nil, the
// global tracer provider is used at span creation time.
func NewInvocationTracer(tracer trace.Tracer) *InvocationTracer {
	return &InvocationTracer{tracer: tracer}
}

func (t *InvocationTracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.GetTracerProvider().Tracer("connect-trigger")
	}
	return t.tracer
}

// StartInvocation begins the root span for one trigger invocation.
func (t *InvocationTracer) StartInvocation(ctx context.Context, executionID string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "trigger.invoke",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("trigger.execution_id", executionID)),
	)
}

// StartEngineCall begins a client span for a workflow engine operation.
func (t *InvocationTracer) StartEngineCall(ctx context.Context, operation, target string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "engine."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("engine.operation", operation),
			attribute.String("engine.target", target),
		),
	)
}

// Finish records the answer given to the caller on span.
func Finish(span trace.Span, status, result, count string) {
	span.SetAttributes(
		attribute.String("trigger.status", status),
		attribute.String("trigger.sfn_result", result),
		attribute.String("trigger.count", count),
	)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error on the given span and sets the span status.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
