package client

import (
	"fmt"
	"sync"

	"github.com/butschster/rr-sentry/event"
	"go.uber.org/zap"
)

// Hook is a client lifecycle event integrations may subscribe to
type Hook int

const (
	// OnCapture fires for every captured event before scopes are applied
	OnCapture Hook = iota
	// OnBeforeSend fires for events that passed sampling, before BeforeSend
	OnBeforeSend
	// OnDrop fires for every dropped event with the drop reason
	OnDrop
	// OnFlush fires after an explicit flush with its outcome
	OnFlush
	// OnClose fires once when the client starts closing
	OnClose

	hookCount
)

func (h Hook) String() string {
	switch h {
	case OnCapture:
		return "capture"
	case OnBeforeSend:
		return "before_send"
	case OnDrop:
		return "drop"
	case OnFlush:
		return "flush"
	case OnClose:
		return "close"
	}
	return "unknown"
}

// HookPayload carries the data of a lifecycle event. Fields unused by a hook
// are zero.
type HookPayload struct {
	Event   *event.Event
	Hint    *event.Hint
	Reason  event.DiscardReason
	Success bool
}

// Listener receives lifecycle events
type Listener func(p HookPayload)

// Hooks holds the listeners of every lifecycle event. A panicking listener
// is logged and does not affect the others.
type Hooks struct {
	mu        sync.RWMutex
	listeners [hookCount][]*Listener
	log       *zap.Logger
}

func newHooks(log *zap.Logger) *Hooks {
	return &Hooks{log: log}
}

// On registers l for hook and returns a function removing it
func (h *Hooks) On(hook Hook, l Listener) func() {
	if hook < 0 || hook >= hookCount || l == nil {
		return func() {}
	}

	ref := &l
	h.mu.Lock()
	h.listeners[hook] = append(h.listeners[hook], ref)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		list := h.listeners[hook]
		for i, r := range list {
			if r == ref {
				h.listeners[hook] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit calls the listeners of hook in registration order
func (h *Hooks) Emit(hook Hook, p HookPayload) {
	h.mu.RLock()
	list := append([]*Listener(nil), h.listeners[hook]...)
	h.mu.RUnlock()

	for _, l := range list {
		h.call(hook, *l, p)
	}
}

func (h *Hooks) call(hook Hook, l Listener, p HookPayload) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("hook listener panicked",
				zap.Stringer("hook", hook),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	l(p)
}
