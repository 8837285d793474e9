package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const tracerKey ctxKey = 1

const defaultTraceID = "00000000000000000000000000000000"

// InjectTracing stores the tracer in the context so request-scoped code can
// open child spans without threading the tracer through every call.
func InjectTracing(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// TracerFrom returns the tracer stored by InjectTracing, or fallback.
func TracerFrom(ctx context.Context, fallback trace.Tracer) trace.Tracer {
	if t, ok := ctx.Value(tracerKey).(trace.Tracer); ok {
		return t
	}
	return fallback
}

// GetTraceID returns the trace id from the current span context.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return defaultTraceID
}
