package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/somnolog/somnolog"

// Span attribute keys used by the detection pipeline and the HTTP API.
const (
	AttrOwnerID     = attribute.Key("somnolog.owner_id")
	AttrSensitivity = attribute.Key("somnolog.sensitivity")
	AttrLabel       = attribute.Key("somnolog.label")
	AttrConfidence  = attribute.Key("somnolog.confidence")
	AttrStage       = attribute.Key("somnolog.stage")
	AttrOutcome     = attribute.Key("somnolog.outcome")
)

// Tracer returns the somnolog tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// FailSpan records err on span, tags the pipeline stage that produced it and
// marks the span as failed.
func FailSpan(span trace.Span, stage string, err error) {
	if stage != "" {
		span.SetAttributes(AttrStage.String(stage))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the trace ID of the span in ctx, or "" without one. HTTP
// responses echo it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is slog.Default with trace_id and span_id attached when ctx carries
// a span.
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
