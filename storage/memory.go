package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/butschster/rr-sentry/event"
	"github.com/roadrunner-server/errors"
)

// DefaultMaxRecords bounds each record kind in Memory
const DefaultMaxRecords = 1000

// ErrClosed is returned by Memory after Close
var ErrClosed = errors.Str("storage is closed")

// Memory keeps the newest records of each kind in memory, evicting the
// oldest once MaxRecords is reached
type Memory struct {
	mu           sync.RWMutex
	maxRecords   int
	logs         []LogRecord
	events       []*event.Event
	spans        []Span
	transactions []*event.Event
	closed       bool
}

// NewMemory creates an in-memory storage
func NewMemory(maxRecords int) *Memory {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Memory{maxRecords: maxRecords}
}

func (m *Memory) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) SaveLog(_ context.Context, rec LogRecord) error {
	const op = errors.Op("storage_save_log")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(op, ErrClosed)
	}
	m.logs = bounded(append(m.logs, rec), m.maxRecords)
	return nil
}

func (m *Memory) SaveSentryEvent(_ context.Context, ev *event.Event) error {
	const op = errors.Op("storage_save_event")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(op, ErrClosed)
	}
	m.events = bounded(append(m.events, ev.Clone()), m.maxRecords)
	return nil
}

func (m *Memory) SaveSpan(_ context.Context, span Span) error {
	const op = errors.Op("storage_save_span")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(op, ErrClosed)
	}
	m.spans = bounded(append(m.spans, span), m.maxRecords)
	return nil
}

func (m *Memory) SaveTransaction(_ context.Context, ev *event.Event) error {
	const op = errors.Op("storage_save_transaction")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(op, ErrClosed)
	}
	m.transactions = bounded(append(m.transactions, ev.Clone()), m.maxRecords)
	return nil
}

// GetLogs returns matching logs, newest first
func (m *Memory) GetLogs(_ context.Context, f Filter) ([]LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LogRecord
	for i := len(m.logs) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.matchLog(m.logs[i]) {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

// GetSentryEvents returns copies of matching events, newest first
func (m *Memory) GetSentryEvents(_ context.Context, f Filter) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.matchEvent(m.events[i]) {
			out = append(out, m.events[i].Clone())
		}
	}
	return out, nil
}

// GetTraces groups transactions and spans by trace id. Traces are ordered by
// their earliest transaction or span, newest first.
func (m *Memory) GetTraces(_ context.Context, f Filter) ([]Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	traces := make(map[string]*Trace)
	get := func(id string) *Trace {
		tr, ok := traces[id]
		if !ok {
			tr = &Trace{TraceID: id}
			traces[id] = tr
		}
		return tr
	}

	for _, tx := range m.transactions {
		id := TraceIDOf(tx)
		if id == "" || (f.TraceID != "" && id != f.TraceID) || !f.matchTime(event.Time(tx.Timestamp)) {
			continue
		}
		get(id).Transactions = append(get(id).Transactions, tx.Clone())
	}
	for _, sp := range m.spans {
		if (f.TraceID != "" && sp.TraceID != f.TraceID) || !f.matchTime(sp.End) {
			continue
		}
		get(sp.TraceID).Spans = append(get(sp.TraceID).Spans, sp)
	}

	out := make([]Trace, 0, len(traces))
	for _, tr := range traces {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool {
		return traceStart(out[i]) > traceStart(out[j])
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ClearLogs(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = nil
	return nil
}

func (m *Memory) ClearSentryEvents(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

func (m *Memory) ClearTraces(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = nil
	m.transactions = nil
	return nil
}

func (m *Memory) ClearAll(ctx context.Context) error {
	_ = m.ClearLogs(ctx)
	_ = m.ClearSentryEvents(ctx)
	return m.ClearTraces(ctx)
}

func traceStart(tr Trace) float64 {
	var start float64
	for _, tx := range tr.Transactions {
		if ts := tx.StartTimestamp; ts > 0 && (start == 0 || ts < start) {
			start = ts
		}
	}
	for _, sp := range tr.Spans {
		if ts := event.Timestamp(sp.Start); start == 0 || ts < start {
			start = ts
		}
	}
	return start
}

func bounded[T any](s []T, limit int) []T {
	if over := len(s) - limit; over > 0 {
		clear(s[:over])
		return s[over:]
	}
	return s
}
