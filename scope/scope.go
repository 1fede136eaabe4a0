// Package scope holds the enrichment data merged onto events before they are
// sent: a global scope shared by the process, an isolation scope per unit of
// work and a forkable current scope.
package scope

import (
	"sort"
	"sync"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// DefaultMaxBreadcrumbs is the breadcrumb ring size when none is configured
const DefaultMaxBreadcrumbs = 100

// ErrInvalidTag is returned for tag keys that are empty after sanitizing
var ErrInvalidTag = errors.Str("invalid tag key")

// Processor transforms an event before it is sent. Returning nil drops it.
type Processor func(ev *event.Event, hint *event.Hint) *event.Event

// Scope is one layer of enrichment data. All methods are safe for
// concurrent use.
type Scope struct {
	mu  sync.RWMutex
	log *zap.Logger

	user           *event.User
	tags           map[string]string
	extras         map[string]any
	contexts       map[string]any
	breadcrumbs    []event.Breadcrumb
	maxBreadcrumbs int
	fingerprint    []string
	level          event.Level
	transaction    string
	processors     []Processor
	attachments    []*event.Attachment
	propagation    propagation.PropagationContext
}

// New creates an empty scope with a fresh propagation context
func New(maxBreadcrumbs int, log *zap.Logger) *Scope {
	if log == nil {
		log = zap.NewNop()
	}
	if maxBreadcrumbs <= 0 {
		maxBreadcrumbs = DefaultMaxBreadcrumbs
	}
	return &Scope{
		log:            log,
		tags:           make(map[string]string),
		extras:         make(map[string]any),
		contexts:       make(map[string]any),
		maxBreadcrumbs: maxBreadcrumbs,
		propagation:    propagation.NewPropagationContext(),
	}
}

// SetUser replaces the user; nil clears it
func (s *Scope) SetUser(u *event.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	c := *u
	c.Data = cloneStrings(u.Data)
	s.user = &c
}

// SetTag validates and stores a tag. Invalid key characters are replaced,
// long keys and values are truncated.
func (s *Scope) SetTag(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTagLocked(key, value)
}

// SetTags stores every tag of tags. Invalid keys are skipped and the last
// error is returned.
func (s *Scope) SetTags(tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last error
	for k, v := range tags {
		if err := s.setTagLocked(k, v); err != nil {
			last = err
		}
	}
	return last
}

func (s *Scope) setTagLocked(key, value string) error {
	clean, ok := SanitizeTagKey(key)
	if !ok {
		return ErrInvalidTag
	}
	if clean != key {
		s.log.Debug("tag key sanitized", zap.String("key", key), zap.String("sanitized", clean))
	}
	if IsReservedTag(clean) {
		s.log.Debug("tag uses a reserved name", zap.String("key", clean))
	}
	s.tags[clean] = SanitizeTagValue(value)
	return nil
}

// RemoveTag deletes a tag
func (s *Scope) RemoveTag(key string) {
	s.mu.Lock()
	delete(s.tags, key)
	s.mu.Unlock()
}

// SetExtra stores an arbitrary value, bounded by the event normalizer
func (s *Scope) SetExtra(key string, value any) {
	s.mu.Lock()
	s.extras[key] = event.Normalize(value, event.DefaultNormalizeDepth, event.DefaultNormalizeBreadth)
	s.mu.Unlock()
}

// SetExtras stores every entry of extras
func (s *Scope) SetExtras(extras map[string]any) {
	s.mu.Lock()
	for k, v := range extras {
		s.extras[k] = event.Normalize(v, event.DefaultNormalizeDepth, event.DefaultNormalizeBreadth)
	}
	s.mu.Unlock()
}

// SetContext stores a named context; nil removes it
func (s *Scope) SetContext(key string, value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.contexts, key)
		return
	}
	s.contexts[key] = event.NormalizeMap(value)
}

// AddBreadcrumb appends b, evicting the oldest entry once the ring is full
func (s *Scope) AddBreadcrumb(b event.Breadcrumb) {
	if b.Timestamp == 0 {
		b.Timestamp = event.Timestamp(time.Now())
	}
	if b.Level == "" {
		b.Level = event.LevelInfo
	}
	b.Data = event.CloneMap(b.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.breadcrumbs) >= s.maxBreadcrumbs {
		n := copy(s.breadcrumbs, s.breadcrumbs[len(s.breadcrumbs)-s.maxBreadcrumbs+1:])
		s.breadcrumbs = s.breadcrumbs[:n]
	}
	s.breadcrumbs = append(s.breadcrumbs, b)
}

// ClearBreadcrumbs empties the ring
func (s *Scope) ClearBreadcrumbs() {
	s.mu.Lock()
	s.breadcrumbs = nil
	s.mu.Unlock()
}

// Breadcrumbs returns a copy of the ring, oldest first
func (s *Scope) Breadcrumbs() []event.Breadcrumb {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]event.Breadcrumb(nil), s.breadcrumbs...)
}

// SetFingerprint overrides grouping for every event captured in this scope
func (s *Scope) SetFingerprint(fp []string) {
	s.mu.Lock()
	s.fingerprint = append([]string(nil), fp...)
	s.mu.Unlock()
}

// SetLevel forces the level of every event captured in this scope
func (s *Scope) SetLevel(level event.Level) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// SetTransaction sets the transaction name
func (s *Scope) SetTransaction(name string) {
	s.mu.Lock()
	s.transaction = name
	s.mu.Unlock()
}

// AddEventProcessor registers p after the already registered processors
func (s *Scope) AddEventProcessor(p Processor) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.processors = append(s.processors, p)
	s.mu.Unlock()
}

// AddAttachment adds a file sent with every event of this scope
func (s *Scope) AddAttachment(a *event.Attachment) {
	if a == nil {
		return
	}
	s.mu.Lock()
	s.attachments = append(s.attachments, a)
	s.mu.Unlock()
}

// ClearAttachments removes every attachment
func (s *Scope) ClearAttachments() {
	s.mu.Lock()
	s.attachments = nil
	s.mu.Unlock()
}

// SetPropagationContext replaces the trace state
func (s *Scope) SetPropagationContext(pc propagation.PropagationContext) {
	s.mu.Lock()
	s.propagation = pc.Clone()
	s.mu.Unlock()
}

// PropagationContext returns a copy of the trace state
func (s *Scope) PropagationContext() propagation.PropagationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.propagation.Clone()
}

// Tags returns a copy of the tags
func (s *Scope) Tags() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStrings(s.tags)
}

// Clear resets the scope data, keeping the breadcrumb limit and trace state
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.tags = make(map[string]string)
	s.extras = make(map[string]any)
	s.contexts = make(map[string]any)
	s.breadcrumbs = nil
	s.fingerprint = nil
	s.level = ""
	s.transaction = ""
	s.processors = nil
	s.attachments = nil
}

// Clone returns a deep copy; mutations of the copy never reach s
func (s *Scope) Clone() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Scope{
		log:            s.log,
		tags:           cloneStrings(s.tags),
		extras:         event.CloneMap(s.extras),
		contexts:       event.CloneMap(s.contexts),
		maxBreadcrumbs: s.maxBreadcrumbs,
		fingerprint:    append([]string(nil), s.fingerprint...),
		level:          s.level,
		transaction:    s.transaction,
		processors:     append([]Processor(nil), s.processors...),
		attachments:    append([]*event.Attachment(nil), s.attachments...),
		propagation:    s.propagation.Clone(),
	}
	if c.tags == nil {
		c.tags = make(map[string]string)
	}
	if c.extras == nil {
		c.extras = make(map[string]any)
	}
	if c.contexts == nil {
		c.contexts = make(map[string]any)
	}
	if s.user != nil {
		u := *s.user
		u.Data = cloneStrings(s.user.Data)
		c.user = &u
	}
	if len(s.breadcrumbs) > 0 {
		c.breadcrumbs = make([]event.Breadcrumb, len(s.breadcrumbs))
		for i, b := range s.breadcrumbs {
			b.Data = event.CloneMap(b.Data)
			c.breadcrumbs[i] = b
		}
	}
	return c
}

// data is an immutable snapshot of one layer used while applying scopes
type data struct {
	user           *event.User
	tags           map[string]string
	extras         map[string]any
	contexts       map[string]any
	breadcrumbs    []event.Breadcrumb
	maxBreadcrumbs int
	fingerprint    []string
	level          event.Level
	transaction    string
	processors     []Processor
	attachments    []*event.Attachment
}

func (s *Scope) snapshot() data {
	c := s.Clone()
	return data{
		user:           c.user,
		tags:           c.tags,
		extras:         c.extras,
		contexts:       c.contexts,
		breadcrumbs:    c.breadcrumbs,
		maxBreadcrumbs: c.maxBreadcrumbs,
		fingerprint:    c.fingerprint,
		level:          c.level,
		transaction:    c.transaction,
		processors:     c.processors,
		attachments:    c.attachments,
	}
}

func sortBreadcrumbs(b []event.Breadcrumb) {
	sort.SliceStable(b, func(i, j int) bool { return b[i].Timestamp < b[j].Timestamp })
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
