package client

import (
	"sort"
	"sync"
	"time"

	"github.com/butschster/rr-sentry/envelope"
	"github.com/butschster/rr-sentry/event"
)

type dropKey struct {
	reason   event.DiscardReason
	category event.Category
}

// DropRecorder counts discarded items per reason and category until they are
// taken for a client report
type DropRecorder struct {
	mu      sync.Mutex
	pending map[dropKey]int
	total   map[dropKey]uint64
}

// NewDropRecorder creates an empty recorder
func NewDropRecorder() *DropRecorder {
	return &DropRecorder{
		pending: make(map[dropKey]int),
		total:   make(map[dropKey]uint64),
	}
}

// Record adds quantity drops
func (d *DropRecorder) Record(reason event.DiscardReason, category event.Category, quantity int) {
	if quantity <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := dropKey{reason: reason, category: category}
	d.pending[k] += quantity
	d.total[k] += uint64(quantity)
}

// Take returns the pending drops as a client report and resets them. The
// second value is false when nothing was dropped since the last call.
func (d *DropRecorder) Take() (envelope.ClientReport, bool) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[dropKey]int)
	d.mu.Unlock()

	if len(pending) == 0 {
		return envelope.ClientReport{}, false
	}

	report := envelope.ClientReport{
		Timestamp:       event.Timestamp(time.Now()),
		DiscardedEvents: make([]envelope.DiscardedEvent, 0, len(pending)),
	}
	for k, n := range pending {
		report.DiscardedEvents = append(report.DiscardedEvents, envelope.DiscardedEvent{
			Reason:   k.reason,
			Category: k.category,
			Quantity: n,
		})
	}
	sort.Slice(report.DiscardedEvents, func(i, j int) bool {
		a, b := report.DiscardedEvents[i], report.DiscardedEvents[j]
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Category < b.Category
	})

	return report, true
}

// Restore puts a report that could not be delivered back into the pending set
func (d *DropRecorder) Restore(r envelope.ClientReport) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, de := range r.DiscardedEvents {
		d.pending[dropKey{reason: de.Reason, category: de.Category}] += de.Quantity
	}
}

// Totals returns lifetime drop counts keyed by reason, then category
func (d *DropRecorder) Totals() map[event.DiscardReason]map[event.Category]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[event.DiscardReason]map[event.Category]uint64)
	for k, n := range d.total {
		if out[k.reason] == nil {
			out[k.reason] = make(map[event.Category]uint64)
		}
		out[k.reason][k.category] = n
	}
	return out
}
