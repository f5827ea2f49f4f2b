package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control plane spans.
var (
	AttrCorrelationID = attribute.Key("vx11.correlation_id")
	AttrIntentType    = attribute.Key("vx11.intent.type")
	AttrTarget        = attribute.Key("vx11.target")
	AttrPlanID        = attribute.Key("vx11.plan.id")
	AttrStepIndex     = attribute.Key("vx11.plan.step")
	AttrWindowID      = attribute.Key("vx11.window.id")
	AttrProviderID    = attribute.Key("vx11.provider.id")
	AttrOutcome       = attribute.Key("vx11.provider.outcome")
	AttrBreakerState  = attribute.Key("vx11.breaker.state")
	AttrDaughterID    = attribute.Key("vx11.daughter.id")
	AttrDaughterState = attribute.Key("vx11.daughter.state")
	AttrScannerID     = attribute.Key("vx11.scanner.id")
	AttrIncidentKind  = attribute.Key("vx11.incident.kind")
	AttrPheromone     = attribute.Key("vx11.pheromone.kind")
	AttrErrorCode     = attribute.Key("vx11.error.code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (provider, downstream component).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
