package scope

import (
	"fmt"

	"github.com/butschster/rr-sentry/event"
	"go.uber.org/zap"
)

// ApplyToEvent merges global, isolation and current onto ev, then runs the
// event processors of the three layers in that order. Any layer may be nil.
//
// Data already present on the event wins over scope data. Between scopes the
// later layer wins, per key for tags, extras and contexts. Breadcrumbs of the
// event and all layers are unioned, sorted by timestamp and capped to the
// limit of the innermost scope. A processor returning nil stops the chain and
// the event is dropped with ReasonEventProcessor.
func ApplyToEvent(ev *event.Event, hint *event.Hint, log *zap.Logger, global, isolation, current *Scope) (*event.Event, event.DiscardReason) {
	if ev == nil {
		return nil, event.ReasonEventProcessor
	}
	if log == nil {
		log = zap.NewNop()
	}
	if hint == nil {
		hint = &event.Hint{}
	}

	merged := mergeLayers(global, isolation, current)

	for k, v := range merged.tags {
		if ev.Tags == nil {
			ev.Tags = make(map[string]string, len(merged.tags))
		}
		if _, ok := ev.Tags[k]; !ok {
			ev.Tags[k] = v
		}
	}
	for k, v := range merged.extras {
		if ev.Extra == nil {
			ev.Extra = make(map[string]any, len(merged.extras))
		}
		if _, ok := ev.Extra[k]; !ok {
			ev.Extra[k] = v
		}
	}
	for k, v := range merged.contexts {
		if ev.Contexts == nil {
			ev.Contexts = make(map[string]any, len(merged.contexts))
		}
		if _, ok := ev.Contexts[k]; !ok {
			ev.Contexts[k] = v
		}
	}

	if ev.User.IsEmpty() && !merged.user.IsEmpty() {
		ev.User = merged.user
	}
	if merged.level != "" {
		ev.Level = merged.level
	}
	if ev.Transaction == "" && merged.transaction != "" {
		ev.Transaction = merged.transaction
	}
	if len(merged.fingerprint) > 0 {
		ev.Fingerprint = append(ev.Fingerprint, merged.fingerprint...)
	}

	if owner := traceOwner(isolation, current, global); owner != nil {
		if _, ok := ev.Contexts["trace"]; !ok {
			if ev.Contexts == nil {
				ev.Contexts = make(map[string]any, 1)
			}
			ev.Contexts["trace"] = owner.PropagationContext().TraceContext()
		}
	}

	if len(merged.breadcrumbs) > 0 {
		all := make([]event.Breadcrumb, 0, len(ev.Breadcrumbs)+len(merged.breadcrumbs))
		all = append(all, ev.Breadcrumbs...)
		all = append(all, merged.breadcrumbs...)
		sortBreadcrumbs(all)
		if len(all) > merged.maxBreadcrumbs {
			all = all[len(all)-merged.maxBreadcrumbs:]
		}
		ev.Breadcrumbs = all
	}

	ev.Attachments = append(ev.Attachments, merged.attachments...)

	for _, p := range merged.processors {
		next, panicked := runProcessor(p, ev, hint, log)
		if panicked {
			continue
		}
		if next == nil {
			log.Debug("event dropped by event processor", zap.String("event_id", ev.EventID))
			return nil, event.ReasonEventProcessor
		}
		ev = next
	}

	return ev, ""
}

// runProcessor isolates processor panics so one faulty processor does not
// break the chain for the others
func runProcessor(p Processor, ev *event.Event, hint *event.Hint, log *zap.Logger) (out *event.Event, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event processor panicked", zap.String("event_id", ev.EventID), zap.String("panic", fmt.Sprint(r)))
			out, panicked = nil, true
		}
	}()
	return p(ev, hint), false
}

// traceOwner returns the scope whose propagation context describes the event:
// the isolation scope when present
func traceOwner(scopes ...*Scope) *Scope {
	for _, s := range scopes {
		if s != nil {
			return s
		}
	}
	return nil
}

// mergeLayers folds global, isolation and current into one snapshot with
// later layers winning
func mergeLayers(layers ...*Scope) data {
	out := data{
		tags:           make(map[string]string),
		extras:         make(map[string]any),
		contexts:       make(map[string]any),
		maxBreadcrumbs: DefaultMaxBreadcrumbs,
	}

	for _, l := range layers {
		if l == nil {
			continue
		}
		d := l.snapshot()

		for k, v := range d.tags {
			out.tags[k] = v
		}
		for k, v := range d.extras {
			out.extras[k] = v
		}
		for k, v := range d.contexts {
			out.contexts[k] = v
		}
		if !d.user.IsEmpty() {
			out.user = d.user
		}
		if d.level != "" {
			out.level = d.level
		}
		if d.transaction != "" {
			out.transaction = d.transaction
		}
		if len(d.fingerprint) > 0 {
			out.fingerprint = d.fingerprint
		}
		out.breadcrumbs = append(out.breadcrumbs, d.breadcrumbs...)
		out.attachments = append(out.attachments, d.attachments...)
		out.processors = append(out.processors, d.processors...)
		out.maxBreadcrumbs = d.maxBreadcrumbs
	}

	return out
}
