package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContextStrings serializes the current span context into W3C
// traceparent/tracestate header values. Both are empty when ctx carries no
// recording span.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	carrier := make(propagation.MapCarrier, 2)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithTraceContext is the inverse: it rebuilds a remote span context
// from stored header values so follow-up work joins the original trace.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier.Set("tracestate", tracestate)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
