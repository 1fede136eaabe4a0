package propagation

import (
	"context"
	"strconv"
)

// PropagationContext is the trace state attached to a scope
type PropagationContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	// Sampled is the decision received from upstream, nil when none was made
	Sampled *bool
	// DSC is frozen once set: either received from upstream or created at the trace root
	DSC *DSC
}

// NewPropagationContext starts a new trace root
func NewPropagationContext() PropagationContext {
	return PropagationContext{
		TraceID: NewTraceID(),
		SpanID:  NewSpanID(),
	}
}

// ContinueTrace builds the propagation context of a downstream unit of work
// from incoming headers. An invalid sentry-trace header starts a new root.
// The upstream sampling decision comes from the header flag, falling back to
// the sampled entry of the DSC.
func ContinueTrace(sentryTrace, baggage string) PropagationContext {
	st, ok := ParseSentryTrace(sentryTrace)
	if !ok {
		return NewPropagationContext()
	}

	dsc, _ := ParseBaggage(baggage)

	pc := PropagationContext{
		TraceID:      st.TraceID,
		SpanID:       NewSpanID(),
		ParentSpanID: st.SpanID,
		Sampled:      st.Sampled,
		DSC:          dsc,
	}
	if pc.Sampled == nil && dsc != nil {
		pc.Sampled = dsc.SampledFlag()
	}
	return pc
}

// IsContinued reports whether the trace was started by an upstream service
func (pc PropagationContext) IsContinued() bool {
	return pc.ParentSpanID != ""
}

// SentryTrace returns the header value to send downstream
func (pc PropagationContext) SentryTrace() SentryTrace {
	return SentryTrace{TraceID: pc.TraceID, SpanID: pc.SpanID, Sampled: pc.Sampled}
}

// Clone deep-copies pointer fields
func (pc PropagationContext) Clone() PropagationContext {
	c := pc
	if pc.Sampled != nil {
		c.Sampled = boolPtr(*pc.Sampled)
	}
	c.DSC = pc.DSC.Clone()
	return c
}

// TraceContext renders the contexts.trace block of an event
func (pc PropagationContext) TraceContext() map[string]any {
	tc := map[string]any{
		"trace_id": pc.TraceID,
		"span_id":  pc.SpanID,
	}
	if pc.ParentSpanID != "" {
		tc["parent_span_id"] = pc.ParentSpanID
	}
	if pc.Sampled != nil {
		tc["sampled"] = strconv.FormatBool(*pc.Sampled)
	}
	return tc
}

type contextKey struct{}

// ContextWithTrace stores pc in ctx
func ContextWithTrace(ctx context.Context, pc PropagationContext) context.Context {
	return context.WithValue(ctx, contextKey{}, pc)
}

// TraceFromContext returns the propagation context stored in ctx
func TraceFromContext(ctx context.Context) (PropagationContext, bool) {
	if ctx == nil {
		return PropagationContext{}, false
	}
	pc, ok := ctx.Value(contextKey{}).(PropagationContext)
	return pc, ok
}
