package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for pipeline spans.
const TracerName = "mailpulse"

// Span attribute keys
const (
	AttrTenantID     = "tenant_id"
	AttrMessageID    = "message_id"
	AttrThreadID     = "thread_id"
	AttrKind         = "analysis_kind"
	AttrKinds        = "analysis_kinds"
	AttrPhase        = "phase"
	AttrStep         = "step"
	AttrModel        = "model"
	AttrProvider     = "provider"
	AttrAttempt      = "attempt"
	AttrInputTokens  = "input_tokens"
	AttrOutputTokens = "output_tokens"
	AttrRetryable    = "retryable"
)

// Span names
const (
	SpanPipelineRun     = "pipeline.run"
	SpanPipelineGather  = "pipeline.gather"
	SpanPipelineCommit  = "pipeline.commit"
	SpanExecutorBatch   = "executor.batch"
	SpanExecutorSingle  = "executor.single"
	SpanModelCall       = "llm.call"
	SpanThreadSummaries = "threads.update"
	SpanTriggerStep     = "trigger.step"
)

// Tracer wraps the OpenTelemetry tracer used by pipeline components.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer bound to the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// Start begins a span. A nil *Tracer falls back to the global provider.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(TracerName)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartMessageSpan starts a span scoped to one message.
func (t *Tracer) StartMessageSpan(ctx context.Context, name, tenantID, messageID string) (context.Context, trace.Span) {
	return t.Start(ctx, name,
		attribute.String(AttrTenantID, tenantID),
		attribute.String(AttrMessageID, messageID),
	)
}

// StartModelSpan starts a span around one provider call.
func (t *Tracer) StartModelSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanModelCall,
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// GetTraceID extracts the trace ID from context.
func GetTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}
