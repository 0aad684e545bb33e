package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codechronos-sandbox"

// Tracer wraps OpenTelemetry tracing for the sandbox.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span named sandbox.<name> and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for sandbox tracing.
var (
	AttrExecID      = attribute.Key("sandbox.execution.id")
	AttrCodeHash    = attribute.Key("sandbox.code_hash")
	AttrCodeBytes   = attribute.Key("sandbox.code_bytes")
	AttrReturnCode  = attribute.Key("sandbox.return_code")
	AttrDurationMS  = attribute.Key("sandbox.duration_ms")
	AttrIssueCount  = attribute.Key("sandbox.validation.issues")
	AttrPreviewID   = attribute.Key("sandbox.preview.id")
	AttrPreviewPort = attribute.Key("sandbox.preview.port")
	AttrFramework   = attribute.Key("sandbox.preview.framework")
)
