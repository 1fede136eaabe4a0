package sampling

import (
	"sync/atomic"

	"github.com/butschster/rr-sentry/event"
)

var (
	statCategories = [...]event.Category{event.CategoryError, event.CategoryTransaction}
	statReasons    = [...]Reason{ReasonInherited, ReasonSampler, ReasonRate}
)

// counters of one category and reason: [0] dropped, [1] sampled
type counter [2]atomic.Uint64

// Stats counts decisions per category and reason. Record is O(1) and lock
// free.
type Stats struct {
	counters [len(statCategories)][len(statReasons)]counter
}

// NewStats returns zeroed counters
func NewStats() *Stats {
	return &Stats{}
}

// Record counts one decision. Unknown categories or reasons are ignored.
func (s *Stats) Record(category event.Category, reason Reason, sampled bool) {
	ci, ri := categoryIndex(category), reasonIndex(reason)
	if ci < 0 || ri < 0 {
		return
	}
	i := 0
	if sampled {
		i = 1
	}
	s.counters[ci][ri][i].Add(1)
}

// Counts is a pair of decision counters
type Counts struct {
	Sampled uint64 `json:"sampled"`
	Dropped uint64 `json:"dropped"`
}

// Total returns Sampled + Dropped
func (c Counts) Total() uint64 {
	return c.Sampled + c.Dropped
}

// SampleRate is the observed share of sampled decisions, 0 without data
func (c Counts) SampleRate() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Sampled) / float64(c.Total())
}

// DropRate is the observed share of dropped decisions, 0 without data
func (c Counts) DropRate() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Dropped) / float64(c.Total())
}

// CategorySnapshot holds the counters of one category
type CategorySnapshot struct {
	Counts
	ByReason map[Reason]Counts `json:"by_reason"`
}

// Snapshot is a point in time copy of Stats
type Snapshot map[event.Category]CategorySnapshot

// Snapshot copies the counters
func (s *Stats) Snapshot() Snapshot {
	out := make(Snapshot, len(statCategories))
	for ci, cat := range statCategories {
		cs := CategorySnapshot{ByReason: make(map[Reason]Counts, len(statReasons))}
		for ri, reason := range statReasons {
			c := Counts{
				Dropped: s.counters[ci][ri][0].Load(),
				Sampled: s.counters[ci][ri][1].Load(),
			}
			cs.ByReason[reason] = c
			cs.Sampled += c.Sampled
			cs.Dropped += c.Dropped
		}
		out[cat] = cs
	}
	return out
}

// Reset zeroes every counter
func (s *Stats) Reset() {
	for ci := range s.counters {
		for ri := range s.counters[ci] {
			s.counters[ci][ri][0].Store(0)
			s.counters[ci][ri][1].Store(0)
		}
	}
}

func categoryIndex(c event.Category) int {
	for i, v := range statCategories {
		if v == c {
			return i
		}
	}
	return -1
}

func reasonIndex(r Reason) int {
	for i, v := range statReasons {
		if v == r {
			return i
		}
	}
	return -1
}
