// Package storage defines the contract for keeping captured telemetry locally
// and provides a bounded in-memory implementation.
package storage

import (
	"context"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/fingerprint"
)

// LogRecord is a structured log line associated with a trace
type LogRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      event.Level    `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a finished unit of work inside a trace
type Span struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Op           string         `json:"op,omitempty"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status,omitempty"`
	Start        time.Time      `json:"start_timestamp"`
	End          time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
}

// Trace groups the transactions and spans sharing a trace id
type Trace struct {
	TraceID      string         `json:"trace_id"`
	Transactions []*event.Event `json:"transactions"`
	Spans        []Span         `json:"spans"`
}

// Filter narrows Get queries. Zero fields match everything.
type Filter struct {
	Since       time.Time
	Until       time.Time
	Level       event.Level
	TraceID     string
	Fingerprint string
	Limit       int
}

// Storage keeps telemetry for local inspection. Callers treat every error as
// non-fatal.
type Storage interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	SaveLog(ctx context.Context, rec LogRecord) error
	SaveSentryEvent(ctx context.Context, ev *event.Event) error
	SaveSpan(ctx context.Context, span Span) error
	SaveTransaction(ctx context.Context, ev *event.Event) error

	GetLogs(ctx context.Context, f Filter) ([]LogRecord, error)
	GetSentryEvents(ctx context.Context, f Filter) ([]*event.Event, error)
	GetTraces(ctx context.Context, f Filter) ([]Trace, error)

	ClearLogs(ctx context.Context) error
	ClearSentryEvents(ctx context.Context) error
	ClearTraces(ctx context.Context) error
	ClearAll(ctx context.Context) error
}

// TraceIDOf returns contexts.trace.trace_id of ev
func TraceIDOf(ev *event.Event) string {
	if ev == nil {
		return ""
	}
	switch tc := ev.Contexts["trace"].(type) {
	case map[string]any:
		id, _ := tc["trace_id"].(string)
		return id
	case map[string]string:
		return tc["trace_id"]
	}
	return ""
}

func (f Filter) matchTime(t time.Time) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.After(f.Until) {
		return false
	}
	return true
}

func (f Filter) matchEvent(ev *event.Event) bool {
	if !f.matchTime(event.Time(ev.Timestamp)) {
		return false
	}
	if f.Level != "" && ev.Level != f.Level {
		return false
	}
	if f.TraceID != "" && TraceIDOf(ev) != f.TraceID {
		return false
	}
	if f.Fingerprint != "" && fingerprint.Hash(ev.Fingerprint) != f.Fingerprint {
		return false
	}
	return true
}

func (f Filter) matchLog(rec LogRecord) bool {
	if !f.matchTime(rec.Timestamp) {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	if f.TraceID != "" && rec.TraceID != f.TraceID {
		return false
	}
	return true
}
