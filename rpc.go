package sentry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/butschster/rr-sentry/scope"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// defaultFlushTimeout bounds a flush requested without a timeout
const defaultFlushTimeout = 5 * time.Second

// RPC provides RPC methods for worker communication
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// CaptureEvent captures a complete event serialized by the worker
func (r *RPC) CaptureEvent(in *CaptureEventRequest, out *CaptureResult) error {
	const op = errors.Op("sentry_rpc_capture_event")

	ev := &event.Event{}
	if err := json.Unmarshal([]byte(in.Payload), ev); err != nil {
		*out = CaptureResult{Success: false, Error: err.Error()}
		return errors.E(op, err)
	}

	ctx := r.traceContext(in.Scope)
	id := r.plugin.hub.CaptureEvent(ctx, ev, nil, in.Scope.captureContext())

	r.logger.Debug("event captured via RPC", zap.String("event_id", id), zap.String("type", ev.Type))
	*out = CaptureResult{Success: true, EventID: id}
	return nil
}

// CaptureException captures a thrown value with its raw stack and causes
func (r *RPC) CaptureException(in *CaptureExceptionRequest, out *CaptureResult) error {
	ctx := r.traceContext(in.Scope)
	id := r.plugin.hub.CaptureValue(ctx, in.Exception.toMap(), in.Scope.captureContext())

	r.logger.Debug("exception captured via RPC", zap.String("event_id", id), zap.String("name", in.Exception.Name))
	*out = CaptureResult{Success: true, EventID: id}
	return nil
}

// CaptureMessage captures a message template
func (r *RPC) CaptureMessage(in *CaptureMessageRequest, out *CaptureResult) error {
	ctx := r.traceContext(in.Scope)
	id := r.plugin.hub.CaptureMessage(ctx, in.Message, in.Params, in.Scope.captureContext())

	*out = CaptureResult{Success: true, EventID: id}
	return nil
}

// AddBreadcrumb records a breadcrumb
func (r *RPC) AddBreadcrumb(in *BreadcrumbRequest, out *bool) error {
	r.plugin.hub.AddBreadcrumb(context.Background(), event.Breadcrumb{
		Type:      in.Type,
		Category:  in.Category,
		Message:   in.Message,
		Level:     event.Level(in.Level),
		Data:      in.Data,
		Timestamp: event.Timestamp(time.Now()),
	})
	*out = true
	return nil
}

// Flush delivers queued events. The reply is false when events are left for
// a later retry.
func (r *RPC) Flush(in *FlushRequest, out *bool) error {
	timeout := defaultFlushTimeout
	if in != nil && in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	*out = r.plugin.hub.Flush(ctx)
	return nil
}

// Stats returns the pipeline counters
func (r *RPC) Stats(_ bool, out *StatsResult) error {
	const op = errors.Op("sentry_rpc_stats")

	st, ok := r.plugin.stats()
	if !ok {
		return errors.E(op, errors.Str("sentry client is not running"))
	}

	res := StatsResult{
		QueueLength:   st.Queue.Length,
		OfflineLength: st.OfflineLen,
		Online:        st.Online,
		EventsQueued:  st.Queue.Enqueued,
		EventsSent:    st.Queue.Sent,
		TotalRetries:  st.Queue.Retried,
		Dropped:       make(map[string]map[string]uint64, len(st.Drops)),
		Sampling:      st.Sampling,
		RateLimited:   st.RateLimited,
	}
	for reason, byCategory := range st.Drops {
		m := make(map[string]uint64, len(byCategory))
		for category, n := range byCategory {
			m[string(category)] = n
		}
		res.Dropped[string(reason)] = m
	}

	*out = res
	return nil
}

// traceContext continues the worker's trace in a fresh isolation scope
func (r *RPC) traceContext(sd ScopeData) context.Context {
	ctx := context.Background()
	if pc, ok := sd.trace(); ok {
		ctx = propagation.ContextWithTrace(ctx, pc)
		if c := r.plugin.Client(); c != nil {
			c.Scopes().WithIsolationScope(ctx, func(isoCtx context.Context, _ *scope.Scope) {
				ctx = isoCtx
			})
		}
	}
	return ctx
}
