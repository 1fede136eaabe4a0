package propagation

import (
	"context"

	otelprop "go.opentelemetry.io/otel/propagation"
)

// Propagator moves the propagation context between a context.Context and
// carriers such as HTTP headers. It implements the OpenTelemetry
// TextMapPropagator interface so it can be composed with W3C tracecontext
// in otelprop.NewCompositeTextMapPropagator.
type Propagator struct{}

var _ otelprop.TextMapPropagator = Propagator{}

// Inject writes sentry-trace and baggage. Third-party baggage entries already
// present in the carrier are preserved.
func (Propagator) Inject(ctx context.Context, carrier otelprop.TextMapCarrier) {
	pc, ok := TraceFromContext(ctx)
	if !ok || pc.TraceID == "" {
		return
	}

	carrier.Set(SentryTraceHeader, pc.SentryTrace().String())

	if pc.DSC.Valid() {
		carrier.Set(BaggageHeader, MergeBaggageWithDSC(carrier.Get(BaggageHeader), pc.DSC))
	}
}

// Extract reads incoming headers. Without a valid sentry-trace header ctx is
// returned unchanged.
func (Propagator) Extract(ctx context.Context, carrier otelprop.TextMapCarrier) context.Context {
	header := carrier.Get(SentryTraceHeader)
	if _, ok := ParseSentryTrace(header); !ok {
		return ctx
	}
	return ContextWithTrace(ctx, ContinueTrace(header, carrier.Get(BaggageHeader)))
}

// Fields returns the header names the propagator touches
func (Propagator) Fields() []string {
	return []string{SentryTraceHeader, BaggageHeader}
}
