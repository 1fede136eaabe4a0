package scope

import (
	"github.com/butschster/rr-sentry/event"
	"go.uber.org/zap"
)

// Fields are the user-settable parts of a scope exchanged by capture contexts
type Fields struct {
	User        *event.User
	Tags        map[string]string
	Extras      map[string]any
	Contexts    map[string]map[string]any
	Fingerprint []string
	Level       event.Level
	Transaction string
}

// CaptureContext modifies a fork of the current scope for a single capture.
// It is either a Patch or a Transform.
type CaptureContext interface {
	applyTo(s *Scope)
}

// Patch merges its non-zero fields into the scope
type Patch Fields

func (p Patch) applyTo(s *Scope) {
	s.Update(Fields(p))
}

// Transform receives the current fields and returns the fields the scope
// should hold. Whatever it leaves out is cleared.
type Transform func(Fields) Fields

func (t Transform) applyTo(s *Scope) {
	if t == nil {
		return
	}
	s.replace(t(s.Fields()))
}

// Apply runs every capture context against s in order
func Apply(s *Scope, cc ...CaptureContext) {
	for _, c := range cc {
		if c != nil {
			c.applyTo(s)
		}
	}
}

// Fields returns a copy of the user-settable fields
func (s *Scope) Fields() Fields {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := Fields{
		Tags:        cloneStrings(s.tags),
		Extras:      event.CloneMap(s.extras),
		Fingerprint: append([]string(nil), s.fingerprint...),
		Level:       s.level,
		Transaction: s.transaction,
	}
	if s.user != nil {
		u := *s.user
		u.Data = cloneStrings(s.user.Data)
		f.User = &u
	}
	if len(s.contexts) > 0 {
		f.Contexts = make(map[string]map[string]any, len(s.contexts))
		for k, v := range s.contexts {
			if m, ok := v.(map[string]any); ok {
				f.Contexts[k] = event.CloneMap(m)
			}
		}
	}
	return f
}

// Update merges f into the scope. Maps are merged per key, other fields are
// only set when non-zero.
func (s *Scope) Update(f Fields) {
	if f.User != nil {
		s.SetUser(f.User)
	}
	for k, v := range f.Tags {
		if err := s.SetTag(k, v); err != nil {
			s.log.Debug("tag rejected", zap.String("key", k), zap.Error(err))
		}
	}
	if len(f.Extras) > 0 {
		s.SetExtras(f.Extras)
	}
	for k, v := range f.Contexts {
		s.SetContext(k, v)
	}
	if len(f.Fingerprint) > 0 {
		s.SetFingerprint(f.Fingerprint)
	}
	if f.Level != "" {
		s.SetLevel(f.Level)
	}
	if f.Transaction != "" {
		s.SetTransaction(f.Transaction)
	}
}

func (s *Scope) replace(f Fields) {
	s.mu.Lock()
	s.user = nil
	s.tags = make(map[string]string)
	s.extras = make(map[string]any)
	s.contexts = make(map[string]any)
	s.fingerprint = nil
	s.level = ""
	s.transaction = ""
	s.mu.Unlock()

	s.Update(f)
}
