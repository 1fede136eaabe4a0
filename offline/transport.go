package offline

import (
	"context"
	stderr "errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butschster/rr-sentry/transport"
	"go.uber.org/zap"
)

// ReasonQueued is the Response.Reason of requests parked in the offline queue
const ReasonQueued = "queued"

const backgroundFlushTimeout = 30 * time.Second

// Transport wraps another transport: requests are queued instead of sent
// while the endpoint is offline or when a send fails at the network level,
// and replayed after the next successful send or on the replay ticker.
type Transport struct {
	inner transport.Transport
	conn  transport.Connectivity
	queue *Queue
	log   *zap.Logger

	flushing atomic.Bool
	bg       sync.WaitGroup

	mu      sync.Mutex
	replays []*Replay
}

// NewTransport wraps inner. Connectivity is taken from inner when it
// implements transport.Connectivity, otherwise the endpoint is assumed online.
func NewTransport(inner transport.Transport, queue *Queue, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}

	t := &Transport{inner: inner, queue: queue, log: log}
	if c, ok := inner.(transport.Connectivity); ok {
		t.conn = c
	}
	return t
}

// Queue exposes the underlying offline queue
func (t *Transport) Queue() *Queue {
	return t.queue
}

// Online reports the wrapped transport's connectivity
func (t *Transport) Online() bool {
	return t.conn == nil || t.conn.Online()
}

// Send delivers req or parks it in the offline queue. Parked requests get a
// synthetic 202 response with reason "queued".
func (t *Transport) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if !t.Online() {
		t.log.Debug("endpoint offline, queueing request", zap.String("category", string(req.Category)))
		return t.park(ctx, req), nil
	}

	resp, err := t.inner.Send(ctx, req)
	if stderr.Is(err, transport.ErrNetwork) {
		t.log.Warn("network error, queueing request", zap.Error(err))
		return t.park(ctx, req), nil
	}

	if err == nil && resp != nil && transport.IsSuccess(resp.StatusCode) && t.queue.Len() > 0 {
		t.flushInBackground()
	}

	return resp, err
}

func (t *Transport) park(ctx context.Context, req *transport.Request) *transport.Response {
	t.queue.Enqueue(ctx, req)
	return &transport.Response{StatusCode: http.StatusAccepted, Reason: ReasonQueued}
}

func (t *Transport) flushInBackground() {
	if !t.flushing.CompareAndSwap(false, true) {
		return
	}

	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		defer t.flushing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), backgroundFlushTimeout)
		defer cancel()
		t.queue.Flush(ctx, t.inner)
	}()
}

// Replay is a running periodic replay started by StartReplay
type Replay struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the replay and waits for it to exit
func (r *Replay) Stop() {
	r.once.Do(r.cancel)
	<-r.done
}

// StartReplay flushes the offline queue every interval while the endpoint
// is online, until the returned handle is stopped or ctx is done
func (t *Transport) StartReplay(ctx context.Context, interval time.Duration) *Replay {
	ctx, cancel := context.WithCancel(ctx)
	r := &Replay{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !t.Online() || t.queue.Len() == 0 {
					continue
				}
				t.queue.Flush(ctx, t.inner)
			}
		}
	}()

	t.mu.Lock()
	t.replays = append(t.replays, r)
	t.mu.Unlock()

	return r
}

// Flush replays the offline queue and flushes the wrapped transport. It
// returns true when both completed and nothing is left queued.
func (t *Transport) Flush(ctx context.Context) bool {
	res := FlushResult{}
	if t.Online() && t.queue.Len() > 0 {
		res = t.queue.Flush(ctx, t.inner)
	}
	ok := t.inner.Flush(ctx)
	return ok && res.Remaining == 0 && t.queue.Len() == 0
}

// Close stops replays, waits for background flushes and closes the wrapped
// transport. Queued requests stay in the store for the next start.
func (t *Transport) Close(ctx context.Context) bool {
	t.mu.Lock()
	replays := t.replays
	t.replays = nil
	t.mu.Unlock()

	for _, r := range replays {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		t.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return false
	}

	return t.inner.Close(ctx)
}
