package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "secure-agent-exec"

// Tracer wraps OpenTelemetry tracing for the execution pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("pipeline.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for pipeline tracing.
var (
	AttrExecID     = attribute.Key("pipeline.execution.id")
	AttrSessionID  = attribute.Key("pipeline.session.id")
	AttrLanguage   = attribute.Key("pipeline.language")
	AttrRiskTier   = attribute.Key("pipeline.risk.tier")
	AttrRiskScore  = attribute.Key("pipeline.risk.score")
	AttrBackend    = attribute.Key("pipeline.sandbox.backend")
	AttrExitCode   = attribute.Key("pipeline.exit_code")
	AttrDurationMS = attribute.Key("pipeline.duration_ms")
)
