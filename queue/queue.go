// Package queue holds captured events in strict priority order until they are
// handed to the transport.
package queue

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/transport"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	DefaultMaxSize       = 100
	DefaultFlushInterval = 5 * time.Second
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.Str("queue is closed")

// Priority orders events in the queue, lower values are sent first
type Priority int

const (
	PriorityError Priority = iota
	PriorityTransaction
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityError:
		return "error"
	case PriorityTransaction:
		return "transaction"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// PriorityFor derives the default priority from the event shape
func PriorityFor(ev *event.Event) Priority {
	switch {
	case ev == nil:
		return PriorityLow
	case ev.HasException(), ev.Level == event.LevelError, ev.Level == event.LevelFatal:
		return PriorityError
	case ev.IsTransaction():
		return PriorityTransaction
	}
	return PriorityNormal
}

// Item is a queued event
type Item struct {
	Event      *event.Event
	Priority   Priority
	RetryCount int
	EnqueuedAt time.Time
}

// Sender delivers one event. The response and error are classified the same
// way the transport classifies them.
type Sender func(ctx context.Context, ev *event.Event) (*transport.Response, error)

// DropFunc is notified of every event the queue gives up on
type DropFunc func(reason event.DiscardReason, ev *event.Event)

// Options configures an EventQueue
type Options struct {
	MaxSize       int
	FlushInterval time.Duration
	Retry         RetryPolicy
	OnDrop        DropFunc
}

// Metrics is a point-in-time view of the queue counters
type Metrics struct {
	Length   int
	Enqueued uint64
	Sent     uint64
	Retried  uint64
	Dropped  map[event.DiscardReason]uint64
}

// EventQueue is an insertion-ordered-within-priority list of events
type EventQueue struct {
	mu     sync.Mutex
	items  []*Item
	opts   Options
	log    *zap.Logger
	closed bool

	// serializes flushes so a periodic flush never overlaps an explicit one
	flushMu sync.Mutex

	enqueued uint64
	sent     uint64
	retried  uint64
	dropped  map[event.DiscardReason]uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an event queue
func New(opts Options, log *zap.Logger) *EventQueue {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	opts.Retry.initDefaults()

	return &EventQueue{
		opts:    opts,
		log:     log,
		dropped: make(map[event.DiscardReason]uint64),
	}
}

// Enqueue adds ev with the given priority. When the queue overflows the
// lowest-priority tail entry, possibly ev itself, is evicted.
func (q *EventQueue) Enqueue(ev *event.Event, priority Priority) error {
	const op = errors.Op("queue_enqueue")

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.E(op, ErrQueueClosed)
	}

	q.insertBack(&Item{Event: ev, Priority: priority, EnqueuedAt: time.Now()})
	q.enqueued++
	evicted := q.evictOverflowLocked()
	q.mu.Unlock()

	q.log.Debug("event enqueued",
		zap.String("event_id", ev.EventID),
		zap.Stringer("priority", priority))
	q.notifyDropped(event.ReasonQueueOverflow, evicted)

	return nil
}

// Len returns the number of queued events
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items in send order
func (q *EventQueue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Metrics returns the current counters
func (q *EventQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := make(map[event.DiscardReason]uint64, len(q.dropped))
	for r, n := range q.dropped {
		dropped[r] = n
	}

	return Metrics{
		Length:   len(q.items),
		Enqueued: q.enqueued,
		Sent:     q.sent,
		Retried:  q.retried,
		Dropped:  dropped,
	}
}

// Flush drains a snapshot of the queue in priority order. Items that fail
// transiently are re-inserted ahead of newer items of the same priority with
// RetryCount+1 until the retry policy gives up. Flush returns true when every
// item of the snapshot was delivered or permanently dropped.
func (q *EventQueue) Flush(ctx context.Context, send Sender) bool {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return true
	}

	q.log.Debug("flushing event queue", zap.Int("size", len(batch)))

	var (
		retry   []*Item
		dropped = make(map[event.DiscardReason][]*Item)
		sent    uint64
		ok      = true
	)

	for i, it := range batch {
		if ctx.Err() != nil {
			retry = append(retry, batch[i:]...)
			ok = false
			break
		}

		switch reason, transient := q.deliver(ctx, send, it); {
		case transient:
			ok = false
			it.RetryCount++
			if !q.opts.Retry.ShouldRetry(it.RetryCount) {
				q.log.Warn("event exceeded max retry attempts",
					zap.String("event_id", it.Event.EventID),
					zap.Int("attempts", it.RetryCount))
				dropped[event.ReasonNetworkError] = append(dropped[event.ReasonNetworkError], it)
				continue
			}
			retry = append(retry, it)
		case reason != "":
			dropped[reason] = append(dropped[reason], it)
		default:
			sent++
		}
	}

	q.mu.Lock()
	q.sent += sent
	for i := len(retry) - 1; i >= 0; i-- {
		q.insertFront(retry[i])
	}
	q.retried += uint64(len(retry))
	overflow := q.evictOverflowLocked()
	q.mu.Unlock()

	for reason, items := range dropped {
		q.notifyDropped(reason, items)
	}
	q.notifyDropped(event.ReasonQueueOverflow, overflow)

	return ok
}

// deliver sends one item and classifies the outcome into a drop reason or a
// transient failure
func (q *EventQueue) deliver(ctx context.Context, send Sender, it *Item) (event.DiscardReason, bool) {
	resp, err := send(ctx, it.Event)
	switch {
	case err == nil && resp != nil && transport.IsSuccess(resp.StatusCode):
		return "", false
	case stderr.Is(err, transport.ErrRateLimited):
		return event.ReasonRateLimitBackoff, false
	case stderr.Is(err, transport.ErrNetwork):
		q.log.Debug("event send failed", zap.String("event_id", it.Event.EventID), zap.Error(err))
		return "", true
	case err != nil:
		q.log.Error("event could not be sent", zap.String("event_id", it.Event.EventID), zap.Error(err))
		return event.ReasonInternalError, false
	case resp == nil:
		return "", true
	case transport.IsPermanent(resp.StatusCode):
		q.log.Warn("event rejected",
			zap.String("event_id", it.Event.EventID),
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason))
		return event.ReasonSendError, false
	}
	return "", true
}

// Start runs a periodic flush until Stop or ctx cancellation. After a failing
// flush the next one is delayed by the retry policy's backoff.
func (q *EventQueue) Start(ctx context.Context, send Sender) {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.run(ctx, send)
}

func (q *EventQueue) run(ctx context.Context, send Sender) {
	defer q.wg.Done()

	failures := 0
	timer := time.NewTimer(q.opts.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := q.opts.FlushInterval
			if q.Flush(ctx, send) {
				failures = 0
			} else {
				failures++
				next = max(next, q.opts.Retry.Backoff(failures))
				q.log.Debug("event queue flush incomplete, backing off",
					zap.Int("failures", failures),
					zap.Duration("next_flush", next))
			}
			timer.Reset(next)
		}
	}
}

// Stop cancels the periodic flush and waits for it to exit
func (q *EventQueue) Stop() {
	q.runMu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	q.wg.Wait()
}

// Close stops the periodic flush, rejects further events and drains what is
// left. It is idempotent.
func (q *EventQueue) Close(ctx context.Context, send Sender) bool {
	q.Stop()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	return q.Flush(ctx, send)
}

// insertBack places it after the last item of the same or higher priority
func (q *EventQueue) insertBack(it *Item) {
	idx := len(q.items)
	for idx > 0 && q.items[idx-1].Priority > it.Priority {
		idx--
	}
	q.insertAt(idx, it)
}

// insertFront places it before every item of the same or lower priority
func (q *EventQueue) insertFront(it *Item) {
	idx := 0
	for idx < len(q.items) && q.items[idx].Priority < it.Priority {
		idx++
	}
	q.insertAt(idx, it)
}

func (q *EventQueue) insertAt(idx int, it *Item) {
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = it
}

func (q *EventQueue) evictOverflowLocked() []*Item {
	var evicted []*Item
	for len(q.items) > q.opts.MaxSize {
		last := len(q.items) - 1
		evicted = append(evicted, q.items[last])
		q.items[last] = nil
		q.items = q.items[:last]
	}
	return evicted
}

func (q *EventQueue) notifyDropped(reason event.DiscardReason, items []*Item) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	q.dropped[reason] += uint64(len(items))
	q.mu.Unlock()

	for _, it := range items {
		q.log.Warn("event dropped",
			zap.String("event_id", it.Event.EventID),
			zap.String("reason", string(reason)),
			zap.Stringer("priority", it.Priority))
		if q.opts.OnDrop != nil {
			q.opts.OnDrop(reason, it.Event)
		}
	}
}
