package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventAt(id string, level event.Level, at time.Time, traceID string, fp ...string) *event.Event {
	ev := event.New(level)
	ev.EventID = id
	ev.Timestamp = event.Timestamp(at)
	ev.Fingerprint = fp
	if traceID != "" {
		ev.Contexts = map[string]any{"trace": map[string]any{"trace_id": traceID}}
	}
	return ev
}

func TestMemory_EventsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.NoError(t, m.Init(ctx))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SaveSentryEvent(ctx, eventAt("a", event.LevelError, base, "t1", "group-a")))
	require.NoError(t, m.SaveSentryEvent(ctx, eventAt("b", event.LevelWarning, base.Add(time.Minute), "t2", "group-b")))
	require.NoError(t, m.SaveSentryEvent(ctx, eventAt("c", event.LevelError, base.Add(2*time.Minute), "t1", "group-a")))

	ids := func(evs []*event.Event) []string {
		var out []string
		for _, ev := range evs {
			out = append(out, ev.EventID)
		}
		return out
	}

	all, err := m.GetSentryEvents(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	got, _ := m.GetSentryEvents(ctx, Filter{Level: event.LevelError})
	assert.Equal(t, []string{"c", "a"}, ids(got))

	got, _ = m.GetSentryEvents(ctx, Filter{TraceID: "t2"})
	assert.Equal(t, []string{"b"}, ids(got))

	got, _ = m.GetSentryEvents(ctx, Filter{Fingerprint: fingerprint.Hash([]string{"group-a"})})
	assert.Equal(t, []string{"c", "a"}, ids(got))

	got, _ = m.GetSentryEvents(ctx, Filter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	assert.Equal(t, []string{"b"}, ids(got))

	got, _ = m.GetSentryEvents(ctx, Filter{Limit: 1})
	assert.Equal(t, []string{"c"}, ids(got))

	got[0].Tags = map[string]string{"mutated": "yes"}
	again, _ := m.GetSentryEvents(ctx, Filter{Limit: 1})
	assert.Empty(t, again[0].Tags, "results are copies")

	require.NoError(t, m.ClearSentryEvents(ctx))
	all, _ = m.GetSentryEvents(ctx, Filter{})
	assert.Empty(t, all)
}

func TestMemory_Bounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.SaveLog(ctx, LogRecord{Message: fmt.Sprintf("log-%d", i), Level: event.LevelInfo}))
	}

	logs, err := m.GetLogs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "log-3", logs[0].Message)
	assert.Equal(t, "log-2", logs[1].Message)
}

func TestMemory_Traces(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tx1 := eventAt("tx1", event.LevelInfo, base.Add(time.Second), "t1")
	tx1.Type = event.TypeTransaction
	tx1.StartTimestamp = event.Timestamp(base)
	require.NoError(t, m.SaveTransaction(ctx, tx1))
	require.NoError(t, m.SaveSpan(ctx, Span{TraceID: "t1", SpanID: "s1", Start: base, End: base.Add(time.Second)}))

	tx2 := eventAt("tx2", event.LevelInfo, base.Add(time.Hour+time.Second), "t2")
	tx2.Type = event.TypeTransaction
	tx2.StartTimestamp = event.Timestamp(base.Add(time.Hour))
	require.NoError(t, m.SaveTransaction(ctx, tx2))

	traces, err := m.GetTraces(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "t2", traces[0].TraceID, "newest first")
	assert.Equal(t, "t1", traces[1].TraceID)
	assert.Len(t, traces[1].Spans, 1)
	assert.Len(t, traces[1].Transactions, 1)

	traces, _ = m.GetTraces(ctx, Filter{TraceID: "t1"})
	require.Len(t, traces, 1)

	require.NoError(t, m.ClearAll(ctx))
	traces, _ = m.GetTraces(ctx, Filter{})
	assert.Empty(t, traces)
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.NoError(t, m.Close(ctx))

	err := m.SaveSentryEvent(ctx, event.New(event.LevelError))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage is closed")

	require.NoError(t, m.Init(ctx))
	assert.NoError(t, m.SaveSentryEvent(ctx, event.New(event.LevelError)))
}

func TestTraceIDOf(t *testing.T) {
	assert.Equal(t, "", TraceIDOf(nil))
	assert.Equal(t, "", TraceIDOf(event.New(event.LevelInfo)))

	ev := event.New(event.LevelInfo)
	ev.Contexts = map[string]any{"trace": map[string]string{"trace_id": "abc"}}
	assert.Equal(t, "abc", TraceIDOf(ev))
}
