package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for oni spans.
var (
	AttrRPCMethod = attribute.Key("oni.rpc.method")
	AttrChannelID = attribute.Key("oni.channel.id")
	AttrAccountID = attribute.Key("oni.account.id")
	AttrAgentID   = attribute.Key("oni.agent.id")
	AttrSessionID = attribute.Key("oni.session.id")
)

// tracer resolves against the global provider so spans follow whatever
// InitOTel installed (a real provider when tracing is enabled, the no-op
// default otherwise).
func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway RPC).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (channel provider send).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
