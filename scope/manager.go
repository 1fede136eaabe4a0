package scope

import (
	"context"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"go.uber.org/zap"
)

type (
	currentKey   struct{}
	isolationKey struct{}
)

// Manager owns the global scope and the root isolation and current scopes.
// Forked scopes travel in context.Context.
type Manager struct {
	log            *zap.Logger
	maxBreadcrumbs int

	global    *Scope
	isolation *Scope
	current   *Scope
}

// NewManager creates the three root scopes
func NewManager(maxBreadcrumbs int, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:            log,
		maxBreadcrumbs: maxBreadcrumbs,
		global:         New(maxBreadcrumbs, log),
		isolation:      New(maxBreadcrumbs, log),
		current:        New(maxBreadcrumbs, log),
	}
}

// GlobalScope returns the process wide scope
func (m *Manager) GlobalScope() *Scope {
	return m.global
}

// IsolationScope returns the isolation scope carried by ctx or the root one
func (m *Manager) IsolationScope(ctx context.Context) *Scope {
	if ctx != nil {
		if s, ok := ctx.Value(isolationKey{}).(*Scope); ok {
			return s
		}
	}
	return m.isolation
}

// CurrentScope returns the current scope carried by ctx or the root one
func (m *Manager) CurrentScope(ctx context.Context) *Scope {
	if ctx != nil {
		if s, ok := ctx.Value(currentKey{}).(*Scope); ok {
			return s
		}
	}
	return m.current
}

// WithScope forks the current scope for the duration of fn. Mutations made
// inside fn are visible only through the ctx passed to it.
func (m *Manager) WithScope(ctx context.Context, fn func(ctx context.Context, s *Scope)) {
	if ctx == nil {
		ctx = context.Background()
	}
	fork := m.CurrentScope(ctx).Clone()
	fn(context.WithValue(ctx, currentKey{}, fork), fork)
}

// WithIsolationScope forks both the isolation and the current scope, the way
// one incoming request gets its own unit of work. A trace extracted into ctx
// by propagation.Propagator is continued by the new isolation scope.
func (m *Manager) WithIsolationScope(ctx context.Context, fn func(ctx context.Context, s *Scope)) {
	if ctx == nil {
		ctx = context.Background()
	}
	iso := m.IsolationScope(ctx).Clone()
	if pc, ok := propagation.TraceFromContext(ctx); ok {
		iso.SetPropagationContext(pc)
	}
	cur := m.CurrentScope(ctx).Clone()

	ctx = context.WithValue(ctx, isolationKey{}, iso)
	ctx = context.WithValue(ctx, currentKey{}, cur)
	fn(ctx, iso)
}

// Fork returns a clone of the current scope of ctx with every capture context
// applied, or the current scope itself when there is nothing to apply
func (m *Manager) Fork(ctx context.Context, cc ...CaptureContext) *Scope {
	cur := m.CurrentScope(ctx)
	if len(cc) == 0 {
		return cur
	}
	fork := cur.Clone()
	Apply(fork, cc...)
	return fork
}

// ApplyToEvent applies the scopes visible from ctx; current may replace the
// current scope of ctx, e.g. with a fork built by Fork
func (m *Manager) ApplyToEvent(ctx context.Context, ev *event.Event, hint *event.Hint, current *Scope) (*event.Event, event.DiscardReason) {
	if current == nil {
		current = m.CurrentScope(ctx)
	}
	if ev != nil {
		if _, ok := ev.Contexts["trace"]; !ok {
			if pc, ok := propagation.TraceFromContext(ctx); ok && pc.TraceID != "" {
				if ev.Contexts == nil {
					ev.Contexts = make(map[string]any, 1)
				}
				ev.Contexts["trace"] = pc.TraceContext()
			}
		}
	}
	return ApplyToEvent(ev, hint, m.log, m.global, m.IsolationScope(ctx), current)
}

// PropagationContext returns the trace state visible from ctx. A trace stored
// in ctx, such as the span of a running transaction or an extracted upstream
// trace, wins over the trace owned by the isolation scope. The frozen DSC of
// the isolation scope is kept when both describe the same trace.
func (m *Manager) PropagationContext(ctx context.Context) propagation.PropagationContext {
	iso := m.IsolationScope(ctx).PropagationContext()
	pc, ok := propagation.TraceFromContext(ctx)
	if !ok || pc.TraceID == "" {
		return iso
	}
	pc = pc.Clone()
	if pc.DSC == nil && pc.TraceID == iso.TraceID {
		pc.DSC = iso.DSC
	}
	return pc
}

// AddBreadcrumb records b on the isolation scope of ctx
func (m *Manager) AddBreadcrumb(ctx context.Context, b event.Breadcrumb) {
	m.IsolationScope(ctx).AddBreadcrumb(b)
}
