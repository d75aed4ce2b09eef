package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by spans and metrics.
var (
	AttrChainID     = attribute.Key("escrowmirror.chain.id")
	AttrTaskID      = attribute.Key("escrowmirror.task.id")
	AttrRunID       = attribute.Key("escrowmirror.run.id")
	AttrSyncSource  = attribute.Key("escrowmirror.sync.source")
	AttrSyncOutcome = attribute.Key("escrowmirror.sync.outcome")
	AttrRPCMethod   = attribute.Key("escrowmirror.rpc.method")
	AttrEventName   = attribute.Key("escrowmirror.chain.event")
	AttrRoute       = attribute.Key("http.route")
	AttrStatusCode  = attribute.Key("http.status_code")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return NoopTracer(tracer).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts a span for work inside the process, such as a sync run.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts a span for an outbound RPC call or metadata fetch.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Finish ends span, marking it failed when err is non-nil.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NoopTracer returns t, or a no-op tracer when t is nil.
func NoopTracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
