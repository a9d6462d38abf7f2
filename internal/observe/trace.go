package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the VoxRelay tracer.
const tracerName = "github.com/voxrelay/voxrelay"

// StartSpan opens a span on the globally registered tracer provider. The
// HTTP middleware opens one server span per request; pipeline code nests
// further spans under it. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID is the value the middleware publishes in the
// X-Correlation-ID response header: the hex trace ID of the span in ctx, or
// empty when no span with a valid trace ID is active. A client quoting the
// header puts the matching server trace one search away.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger binds the default slog logger to the trace in ctx. Log lines gain
// trace_id and span_id attributes, so they join against both the exported
// spans and the X-Correlation-ID header. Without an active span the plain
// default logger comes back.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
