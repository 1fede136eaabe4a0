package envelope

import (
	"encoding/json"

	"github.com/butschster/rr-sentry/event"
	"github.com/roadrunner-server/errors"
)

// DiscardedEvent is one outcome counter of a client report
type DiscardedEvent struct {
	Reason   event.DiscardReason `json:"reason"`
	Category event.Category      `json:"category"`
	Quantity int                 `json:"quantity"`
}

// ClientReport tells the server how many items the SDK dropped and why
type ClientReport struct {
	Timestamp       float64          `json:"timestamp"`
	DiscardedEvents []DiscardedEvent `json:"discarded_events"`
}

// AddClientReport appends r as a client_report item
func (e *Envelope) AddClientReport(r ClientReport) error {
	const op = errors.Op("envelope_add_client_report")

	payload, err := json.Marshal(r)
	if err != nil {
		return errors.E(op, err)
	}
	e.AddItem(TypeClientReport, payload)
	return nil
}
