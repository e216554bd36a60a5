package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	headerTraceparent = "traceparent"
	headerTracestate  = "tracestate"
)

// TraceContext is a W3C trace context detached from any request, so it can be
// stored with a row and resumed by whichever process picks the row up later.
type TraceContext struct {
	Parent string
	State  string
}

// CaptureTraceContext snapshots the active span of ctx using the global propagator.
func CaptureTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{Parent: carrier[headerTraceparent], State: carrier[headerTracestate]}
}

func (tc TraceContext) Empty() bool {
	return tc.Parent == "" && tc.State == ""
}

// Restore returns ctx carrying tc as its remote parent. An empty tc returns ctx unchanged.
func (tc TraceContext) Restore(ctx context.Context) context.Context {
	if tc.Empty() {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{
		headerTraceparent: tc.Parent,
		headerTracestate:  tc.State,
	})
}
