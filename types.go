package sentry

import (
	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/butschster/rr-sentry/sampling"
	"github.com/butschster/rr-sentry/scope"
)

// ScopeData is the per-capture scope sent along with RPC captures
type ScopeData struct {
	Level       string                    `json:"level,omitempty"`
	Tags        map[string]string         `json:"tags,omitempty"`
	Extra       map[string]any            `json:"extra,omitempty"`
	Contexts    map[string]map[string]any `json:"contexts,omitempty"`
	User        *event.User               `json:"user,omitempty"`
	Fingerprint []string                  `json:"fingerprint,omitempty"`
	Transaction string                    `json:"transaction,omitempty"`
	// SentryTrace and Baggage continue the trace of the calling worker
	SentryTrace string `json:"sentry_trace,omitempty"`
	Baggage     string `json:"baggage,omitempty"`
}

// CaptureEventRequest carries a complete event as JSON produced by a worker
type CaptureEventRequest struct {
	Payload string    `json:"payload"`
	Scope   ScopeData `json:"scope"`
}

// ThrownValue is an exception as a worker sees it: the raw stack string of
// its runtime and an optional cause
type ThrownValue struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Cause   *ThrownValue   `json:"cause,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// CaptureExceptionRequest carries a thrown value
type CaptureExceptionRequest struct {
	Exception ThrownValue `json:"exception"`
	Scope     ScopeData   `json:"scope"`
}

// CaptureMessageRequest carries a message template and its params
type CaptureMessageRequest struct {
	Message string    `json:"message"`
	Params  []any     `json:"params,omitempty"`
	Scope   ScopeData `json:"scope"`
}

// BreadcrumbRequest records a breadcrumb on the isolation scope
type BreadcrumbRequest struct {
	Type     string         `json:"type,omitempty"`
	Category string         `json:"category,omitempty"`
	Message  string         `json:"message,omitempty"`
	Level    string         `json:"level,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// FlushRequest bounds a flush, 0 uses the default timeout
type FlushRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// CaptureResult represents the result of a capture. Captures never fail: an
// event dropped by sampling or callbacks still reports its id.
type CaptureResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id"`
	Error   string `json:"error,omitempty"`
}

// StatsResult represents plugin metrics
type StatsResult struct {
	QueueLength   int                          `json:"queue_length"`
	OfflineLength int                          `json:"offline_length"`
	Online        bool                         `json:"online"`
	EventsQueued  uint64                       `json:"events_queued"`
	EventsSent    uint64                       `json:"events_sent"`
	TotalRetries  uint64                       `json:"total_retries"`
	Dropped       map[string]map[string]uint64 `json:"dropped"`
	Sampling      sampling.Snapshot            `json:"sampling"`
	RateLimited   map[string]int64             `json:"rate_limited,omitempty"`
}

// captureContext converts d into a patch applied to a fork of the current
// scope for one capture
func (d ScopeData) captureContext() scope.Patch {
	return scope.Patch{
		User:        d.User,
		Tags:        d.Tags,
		Extras:      d.Extra,
		Contexts:    d.Contexts,
		Fingerprint: d.Fingerprint,
		Level:       event.Level(d.Level),
		Transaction: d.Transaction,
	}
}

// trace returns the trace to continue, false when the worker sent none
func (d ScopeData) trace() (propagation.PropagationContext, bool) {
	if d.SentryTrace == "" {
		return propagation.PropagationContext{}, false
	}
	return propagation.ContinueTrace(d.SentryTrace, d.Baggage), true
}

// toMap renders v in the Error-shaped form the exception builder accepts
func (v *ThrownValue) toMap() map[string]any {
	m := make(map[string]any, len(v.Data)+4)
	for k, val := range v.Data {
		m[k] = val
	}
	if v.Name != "" {
		m["name"] = v.Name
	}
	m["message"] = v.Message
	if v.Stack != "" {
		m["stack"] = v.Stack
	}
	if v.Cause != nil {
		m["cause"] = v.Cause.toMap()
	}
	return m
}
