package queue

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu    sync.Mutex
	sent  []string
	reply func(ev *event.Event) (*transport.Response, error)
}

func (r *recorder) send(_ context.Context, ev *event.Event) (*transport.Response, error) {
	r.mu.Lock()
	r.sent = append(r.sent, ev.EventID)
	r.mu.Unlock()

	if r.reply != nil {
		return r.reply(ev)
	}
	return &transport.Response{StatusCode: http.StatusOK}, nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newEvent(id string, level event.Level) *event.Event {
	ev := event.New(level)
	ev.EventID = id
	return ev
}

func newTransaction(id string) *event.Event {
	ev := newEvent(id, event.LevelInfo)
	ev.Type = event.TypeTransaction
	return ev
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityError, PriorityFor(newEvent("a", event.LevelError)))
	assert.Equal(t, PriorityError, PriorityFor(newEvent("a", event.LevelFatal)))

	withException := newEvent("a", event.LevelWarning)
	withException.Exception = []event.Exception{{Type: "RuntimeError", Value: "boom"}}
	assert.Equal(t, PriorityError, PriorityFor(withException))

	assert.Equal(t, PriorityTransaction, PriorityFor(newTransaction("t")))
	assert.Equal(t, PriorityNormal, PriorityFor(newEvent("a", event.LevelInfo)))
	assert.Equal(t, PriorityLow, PriorityFor(nil))
}

func TestFlush_ErrorBeforeTransaction(t *testing.T) {
	q := New(Options{}, zaptest.NewLogger(t))

	tx := newTransaction("tx")
	errEv := newEvent("err", event.LevelError)
	require.NoError(t, q.Enqueue(tx, PriorityFor(tx)))
	require.NoError(t, q.Enqueue(errEv, PriorityFor(errEv)))

	r := &recorder{}
	assert.True(t, q.Flush(context.Background(), r.send))
	assert.Equal(t, []string{"err", "tx"}, r.ids())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(2), q.Metrics().Sent)
}

func TestEnqueue_InsertionOrderWithinPriority(t *testing.T) {
	q := New(Options{}, zaptest.NewLogger(t))

	require.NoError(t, q.Enqueue(newEvent("n1", event.LevelInfo), PriorityNormal))
	require.NoError(t, q.Enqueue(newEvent("l1", event.LevelInfo), PriorityLow))
	require.NoError(t, q.Enqueue(newEvent("e1", event.LevelError), PriorityError))
	require.NoError(t, q.Enqueue(newEvent("n2", event.LevelInfo), PriorityNormal))
	require.NoError(t, q.Enqueue(newEvent("e2", event.LevelError), PriorityError))

	var ids []string
	for _, it := range q.Items() {
		ids = append(ids, it.Event.EventID)
	}
	assert.Equal(t, []string{"e1", "e2", "n1", "n2", "l1"}, ids)
}

func TestEnqueue_OverflowEvictsLowestPriorityTail(t *testing.T) {
	var dropped []string
	q := New(Options{
		MaxSize: 2,
		OnDrop: func(reason event.DiscardReason, ev *event.Event) {
			assert.Equal(t, event.ReasonQueueOverflow, reason)
			dropped = append(dropped, ev.EventID)
		},
	}, zaptest.NewLogger(t))

	require.NoError(t, q.Enqueue(newEvent("low", event.LevelInfo), PriorityLow))
	require.NoError(t, q.Enqueue(newEvent("normal", event.LevelInfo), PriorityNormal))
	require.NoError(t, q.Enqueue(newEvent("error", event.LevelError), PriorityError))
	assert.Equal(t, []string{"low"}, dropped)

	// the new entry itself is the tail
	require.NoError(t, q.Enqueue(newEvent("low2", event.LevelInfo), PriorityLow))
	assert.Equal(t, []string{"low", "low2"}, dropped)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(2), q.Metrics().Dropped[event.ReasonQueueOverflow])
}

func TestFlush_RetriesThenDropsNetworkError(t *testing.T) {
	var dropped []event.DiscardReason
	q := New(Options{
		OnDrop: func(reason event.DiscardReason, _ *event.Event) { dropped = append(dropped, reason) },
	}, zaptest.NewLogger(t))

	r := &recorder{reply: func(*event.Event) (*transport.Response, error) {
		return nil, fmt.Errorf("%w: connection refused", transport.ErrNetwork)
	}}

	require.NoError(t, q.Enqueue(newEvent("e", event.LevelError), PriorityError))

	assert.False(t, q.Flush(context.Background(), r.send))
	require.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Items()[0].RetryCount)

	assert.False(t, q.Flush(context.Background(), r.send))
	assert.Equal(t, 2, q.Items()[0].RetryCount)

	assert.False(t, q.Flush(context.Background(), r.send))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []event.DiscardReason{event.ReasonNetworkError}, dropped)
	assert.Len(t, r.ids(), 3)
}

func TestFlush_RetriedItemsStayAheadOfNewer(t *testing.T) {
	q := New(Options{}, zaptest.NewLogger(t))

	fail := true
	r := &recorder{reply: func(*event.Event) (*transport.Response, error) {
		if fail {
			return &transport.Response{StatusCode: http.StatusServiceUnavailable}, nil
		}
		return &transport.Response{StatusCode: http.StatusOK}, nil
	}}

	require.NoError(t, q.Enqueue(newEvent("a", event.LevelInfo), PriorityNormal))
	require.NoError(t, q.Enqueue(newEvent("b", event.LevelInfo), PriorityNormal))
	assert.False(t, q.Flush(context.Background(), r.send))

	require.NoError(t, q.Enqueue(newEvent("c", event.LevelInfo), PriorityNormal))

	fail = false
	r.sent = nil
	assert.True(t, q.Flush(context.Background(), r.send))
	assert.Equal(t, []string{"a", "b", "c"}, r.ids())
}

func TestFlush_PermanentAndRateLimitedDropImmediately(t *testing.T) {
	reasons := map[string]event.DiscardReason{}
	q := New(Options{
		OnDrop: func(reason event.DiscardReason, ev *event.Event) { reasons[ev.EventID] = reason },
	}, zaptest.NewLogger(t))

	r := &recorder{reply: func(ev *event.Event) (*transport.Response, error) {
		switch ev.EventID {
		case "bad":
			return &transport.Response{StatusCode: http.StatusBadRequest}, nil
		case "limited":
			return &transport.Response{StatusCode: http.StatusTooManyRequests}, transport.ErrRateLimited
		}
		return &transport.Response{StatusCode: http.StatusOK}, nil
	}}

	require.NoError(t, q.Enqueue(newEvent("bad", event.LevelError), PriorityError))
	require.NoError(t, q.Enqueue(newEvent("limited", event.LevelError), PriorityError))
	require.NoError(t, q.Enqueue(newEvent("ok", event.LevelError), PriorityError))

	assert.True(t, q.Flush(context.Background(), r.send))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, event.ReasonSendError, reasons["bad"])
	assert.Equal(t, event.ReasonRateLimitBackoff, reasons["limited"])
	assert.NotContains(t, reasons, "ok")
}

func TestFlush_CancelledContextKeepsItems(t *testing.T) {
	q := New(Options{}, zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(newEvent("a", event.LevelInfo), PriorityNormal))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &recorder{}
	assert.False(t, q.Flush(ctx, r.send))
	assert.Empty(t, r.ids())
	require.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.Items()[0].RetryCount)
}

func TestStartStop(t *testing.T) {
	q := New(Options{FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	r := &recorder{}

	q.Start(context.Background(), r.send)
	q.Start(context.Background(), r.send)

	require.NoError(t, q.Enqueue(newEvent("a", event.LevelError), PriorityError))
	assert.Eventually(t, func() bool { return len(r.ids()) == 1 }, time.Second, 5*time.Millisecond)

	q.Stop()
	q.Stop()

	require.NoError(t, q.Enqueue(newEvent("b", event.LevelError), PriorityError))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, r.ids(), 1, "no flush after Stop")
}

func TestClose(t *testing.T) {
	q := New(Options{}, zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(newEvent("a", event.LevelError), PriorityError))

	r := &recorder{}
	assert.True(t, q.Close(context.Background(), r.send))
	assert.Equal(t, []string{"a"}, r.ids())

	err := q.Enqueue(newEvent("b", event.LevelError), PriorityError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is closed")

	assert.True(t, q.Close(context.Background(), r.send))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
		Random:            func() float64 { return 0.5 },
	}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))

	p.Random = func() float64 { return 0 }
	assert.Equal(t, 1500*time.Millisecond, p.Backoff(2), "-25% jitter")

	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.LessOrEqual(t, p.Backoff(10), DefaultMaxBackoff)
}
