package client

import (
	"context"
	"sync"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/scope"
	"go.uber.org/zap"
)

// Hub holds at most one Client behind an explicit Init/Reset lifecycle. The
// capture helpers are no-ops that still return an event id while no client
// is bound.
type Hub struct {
	mu     sync.RWMutex
	client *Client
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Init builds a client from opts and binds it. A previously bound client is
// closed with ctx.
func (h *Hub) Init(ctx context.Context, opts Options, log *zap.Logger) *Client {
	c := New(opts, log)

	h.mu.Lock()
	prev := h.client
	h.client = c
	h.mu.Unlock()

	if prev != nil {
		prev.Close(ctx)
	}
	return c
}

// Client returns the bound client or nil
func (h *Hub) Client() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// Reset unbinds and closes the client. It reports whether the close drained
// everything; true when nothing was bound.
func (h *Hub) Reset(ctx context.Context) bool {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()

	if c == nil {
		return true
	}
	return c.Close(ctx)
}

func (h *Hub) CaptureException(ctx context.Context, err error, cc ...scope.CaptureContext) string {
	if c := h.Client(); c != nil {
		return c.CaptureException(ctx, err, cc...)
	}
	return event.NewID()
}

func (h *Hub) CaptureValue(ctx context.Context, v any, cc ...scope.CaptureContext) string {
	if c := h.Client(); c != nil {
		return c.CaptureValue(ctx, v, cc...)
	}
	return event.NewID()
}

func (h *Hub) CaptureMessage(ctx context.Context, template string, params []any, cc ...scope.CaptureContext) string {
	if c := h.Client(); c != nil {
		return c.CaptureMessage(ctx, template, params, cc...)
	}
	return event.NewID()
}

func (h *Hub) CaptureEvent(ctx context.Context, ev *event.Event, hint *event.Hint, cc ...scope.CaptureContext) string {
	if c := h.Client(); c != nil {
		return c.CaptureEvent(ctx, ev, hint, cc...)
	}
	if ev != nil {
		return event.SanitizeID(ev.EventID)
	}
	return event.NewID()
}

func (h *Hub) AddBreadcrumb(ctx context.Context, b event.Breadcrumb) {
	if c := h.Client(); c != nil {
		c.AddBreadcrumb(ctx, b, nil)
	}
}

// Flush flushes the bound client, true when nothing is bound
func (h *Hub) Flush(ctx context.Context) bool {
	if c := h.Client(); c != nil {
		return c.Flush(ctx)
	}
	return true
}
