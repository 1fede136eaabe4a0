// Package offline persists requests that could not be delivered and replays
// them once the endpoint is reachable again.
package offline

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxSize    = 30
	DefaultMaxAge     = 7 * 24 * time.Hour
	DefaultMaxRetries = 3
)

// QueuedRequest is a serialized request waiting for delivery
type QueuedRequest struct {
	ID         string            `cbor:"id"`
	Body       []byte            `cbor:"body"`
	Headers    map[string]string `cbor:"headers,omitempty"`
	Category   event.Category    `cbor:"category"`
	Timestamp  time.Time         `cbor:"timestamp"`
	RetryCount int               `cbor:"retry_count"`
}

func (r QueuedRequest) clone() QueuedRequest {
	out := r
	out.Body = append([]byte(nil), r.Body...)
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Request converts the queued entry back into a transport request
func (r QueuedRequest) Request() *transport.Request {
	return &transport.Request{Body: r.Body, Headers: r.Headers, Category: r.Category}
}

// DropFunc is notified about requests removed without delivery. Expired
// requests are purged silently and not reported.
type DropFunc func(reason event.DiscardReason, req QueuedRequest)

// Options configures a Queue
type Options struct {
	MaxSize    int
	MaxAge     time.Duration
	MaxRetries int
	OnDrop     DropFunc
}

// FlushResult summarizes one drain of the queue
type FlushResult struct {
	Sent      int
	Dropped   int
	Remaining int
}

// Queue is a bounded, TTL-limited FIFO of undelivered requests. Every
// mutation is persisted before it returns.
type Queue struct {
	mu    sync.Mutex
	items []QueuedRequest
	opts  Options
	store Store
	log   *zap.Logger
	now   func() time.Time

	flights singleflight.Group
}

// NewQueue creates a queue backed by store. A nil store keeps the queue in
// memory only.
func NewQueue(store Store, opts Options, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore(0)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	return &Queue{
		opts:  opts,
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Load restores the queue from the store, replacing the in-memory state.
// Load failures are logged and leave the queue empty.
func (q *Queue) Load(ctx context.Context) int {
	items, err := q.store.Load(ctx)
	if err != nil {
		q.log.Error("failed to load offline queue", zap.Error(err))
		items = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = items
	q.purgeLocked()
	overflow := q.trimLocked()
	q.persistLocked(ctx)
	q.notify(event.ReasonQueueOverflow, overflow)

	if len(q.items) > 0 {
		q.log.Info("offline queue restored", zap.Int("size", len(q.items)))
	}
	return len(q.items)
}

// Enqueue appends req. When the queue is full the oldest entries are dropped.
func (q *Queue) Enqueue(ctx context.Context, req *transport.Request) QueuedRequest {
	item := QueuedRequest{
		ID:        event.NewID(),
		Body:      append([]byte(nil), req.Body...),
		Category:  req.Category,
		Timestamp: q.now(),
	}
	if len(req.Headers) > 0 {
		item.Headers = make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			item.Headers[k] = v
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeLocked()
	q.items = append(q.items, item)
	overflow := q.trimLocked()
	q.persistLocked(ctx)
	q.notify(event.ReasonQueueOverflow, overflow)

	q.log.Debug("request queued offline",
		zap.String("id", item.ID),
		zap.String("category", string(item.Category)),
		zap.Int("queue_size", len(q.items)))

	return item
}

// Dequeue removes and returns the oldest live entry
func (q *Queue) Dequeue(ctx context.Context) (QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeLocked()
	if len(q.items) == 0 {
		return QueuedRequest{}, false
	}

	head := q.items[0]
	q.items = q.items[1:]
	q.persistLocked(ctx)
	return head, true
}

// Peek returns the oldest live entry without removing it
func (q *Queue) Peek() (QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeLocked()
	if len(q.items) == 0 {
		return QueuedRequest{}, false
	}
	return q.items[0].clone(), true
}

// Len returns the number of live entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeLocked()
	return len(q.items)
}

// Clear removes every entry
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.persistLocked(ctx)
}

// Flush drains the queue through t in FIFO order. A permanent rejection drops
// the entry and continues; any other failure increments its retry count and
// stops the drain so ordering is preserved for the next cycle. Concurrent
// calls share one drain.
func (q *Queue) Flush(ctx context.Context, t transport.Transport) FlushResult {
	v, _, _ := q.flights.Do("flush", func() (any, error) {
		return q.drain(ctx, t), nil
	})
	return v.(FlushResult)
}

func (q *Queue) drain(ctx context.Context, t transport.Transport) FlushResult {
	var res FlushResult

	for ctx.Err() == nil {
		head, ok := q.Peek()
		if !ok {
			break
		}

		resp, err := t.Send(ctx, head.Request())

		switch {
		case err == nil && resp != nil && transport.IsSuccess(resp.StatusCode):
			q.remove(ctx, head.ID)
			res.Sent++
			continue
		case err == nil && resp != nil && transport.IsPermanent(resp.StatusCode):
			q.log.Warn("offline request rejected",
				zap.String("id", head.ID),
				zap.Int("status_code", resp.StatusCode),
				zap.String("reason", resp.Reason))
			q.remove(ctx, head.ID)
			q.notify(event.ReasonSendError, []QueuedRequest{head})
			res.Dropped++
			continue
		case stderr.Is(err, transport.ErrRateLimited):
			q.log.Debug("offline flush paused by rate limit", zap.String("category", string(head.Category)))
		default:
			if q.recordFailure(ctx, head.ID) {
				res.Dropped++
			}
			q.log.Debug("offline flush stopped", zap.String("id", head.ID), zap.Error(err))
		}
		break
	}

	res.Remaining = q.Len()
	if res.Sent > 0 || res.Dropped > 0 {
		q.log.Info("offline queue flushed",
			zap.Int("sent", res.Sent),
			zap.Int("dropped", res.Dropped),
			zap.Int("remaining", res.Remaining))
	}
	return res
}

// recordFailure increments the retry count of id and drops it when the limit
// is reached. It reports whether the entry was dropped.
func (q *Queue) recordFailure(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}

	q.items[idx].RetryCount++
	if q.items[idx].RetryCount < q.opts.MaxRetries {
		q.persistLocked(ctx)
		return false
	}

	dropped := q.items[idx]
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	q.persistLocked(ctx)
	q.log.Warn("offline request exceeded max retry attempts",
		zap.String("id", dropped.ID),
		zap.Int("attempts", dropped.RetryCount))
	q.notify(event.ReasonNetworkError, []QueuedRequest{dropped})
	return true
}

func (q *Queue) remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return
	}
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	q.persistLocked(ctx)
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

// purgeLocked drops entries older than MaxAge
func (q *Queue) purgeLocked() {
	cutoff := q.now().Add(-q.opts.MaxAge)

	n := 0
	for _, it := range q.items {
		if it.Timestamp.Before(cutoff) {
			q.log.Debug("offline request expired", zap.String("id", it.ID), zap.Time("queued_at", it.Timestamp))
			continue
		}
		q.items[n] = it
		n++
	}
	clear(q.items[n:])
	q.items = q.items[:n]
}

// trimLocked drops the oldest entries above MaxSize
func (q *Queue) trimLocked() []QueuedRequest {
	over := len(q.items) - q.opts.MaxSize
	if over <= 0 {
		return nil
	}
	dropped := append([]QueuedRequest(nil), q.items[:over]...)
	q.items = append([]QueuedRequest(nil), q.items[over:]...)
	return dropped
}

// persistLocked saves the queue, shrinking it from the oldest end until the
// store accepts it or nothing is left
func (q *Queue) persistLocked(ctx context.Context) {
	for {
		err := q.store.Save(ctx, q.items)
		if err == nil {
			return
		}
		if len(q.items) == 0 {
			q.log.Error("failed to persist empty offline queue", zap.Error(err))
			return
		}

		q.log.Warn("failed to persist offline queue, shrinking",
			zap.Int("size", len(q.items)),
			zap.Error(err))
		dropped := q.items[0]
		q.items = q.items[1:]
		q.notify(event.ReasonQueueOverflow, []QueuedRequest{dropped})
	}
}

func (q *Queue) notify(reason event.DiscardReason, items []QueuedRequest) {
	if q.opts.OnDrop == nil {
		return
	}
	for _, it := range items {
		q.opts.OnDrop(reason, it)
	}
}
