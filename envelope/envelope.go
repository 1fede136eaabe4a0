// Package envelope implements the Sentry envelope wire format: one JSON
// header line followed by typed items, each with its own header carrying the
// exact payload length.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/roadrunner-server/errors"
)

// ContentType is the media type of a serialized envelope
const ContentType = "application/x-sentry-envelope"

// ItemType discriminates envelope items
type ItemType string

const (
	TypeEvent        ItemType = "event"
	TypeTransaction  ItemType = "transaction"
	TypeSession      ItemType = "session"
	TypeAttachment   ItemType = "attachment"
	TypeClientReport ItemType = "client_report"
	TypeLog          ItemType = "log"
	TypeUserReport   ItemType = "user_report"
)

// Category maps an item type to the rate limit category it counts against
func (t ItemType) Category() event.Category {
	switch t {
	case TypeEvent, TypeUserReport:
		return event.CategoryError
	case TypeTransaction:
		return event.CategoryTransaction
	case TypeAttachment:
		return event.CategoryAttachment
	case TypeSession:
		return event.CategorySession
	case TypeLog:
		return event.CategoryLog
	}
	return event.CategoryDefault
}

// Header is the first line of an envelope
type Header struct {
	EventID string           `json:"event_id,omitempty"`
	SentAt  time.Time        `json:"sent_at"`
	DSN     string           `json:"dsn,omitempty"`
	SDK     *event.SdkInfo   `json:"sdk,omitempty"`
	Trace   *propagation.DSC `json:"trace,omitempty"`
}

// ItemHeader describes one item. Length is always written and always equals
// len(Payload).
type ItemHeader struct {
	Type           ItemType `json:"type"`
	Length         int      `json:"length"`
	Filename       string   `json:"filename,omitempty"`
	ContentType    string   `json:"content_type,omitempty"`
	AttachmentType string   `json:"attachment_type,omitempty"`
}

// Item is an item header and its raw payload
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Envelope is a header and an ordered list of items
type Envelope struct {
	Header Header
	Items  []*Item
}

// New creates an envelope without items
func New(header Header) *Envelope {
	return &Envelope{Header: header}
}

// AddItem appends an item of type t carrying payload
func (e *Envelope) AddItem(t ItemType, payload []byte) *Item {
	item := &Item{Header: ItemHeader{Type: t}, Payload: payload}
	e.Items = append(e.Items, item)
	return item
}

// AddAttachment appends an attachment item
func (e *Envelope) AddAttachment(a *event.Attachment) *Item {
	item := e.AddItem(TypeAttachment, a.Payload)
	item.Header.Filename = a.Filename
	item.Header.ContentType = a.ContentType
	item.Header.AttachmentType = a.AttachmentType
	return item
}

// Category returns the rate limit category of the primary item
func (e *Envelope) Category() event.Category {
	if len(e.Items) == 0 {
		return event.CategoryDefault
	}
	return e.Items[0].Header.Type.Category()
}

// Serialize renders the envelope. SentAt is stamped when unset.
func (e *Envelope) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo implements io.WriterTo
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	const op = errors.Op("envelope_write")

	if e.Header.SentAt.IsZero() {
		e.Header.SentAt = time.Now().UTC()
	}

	cw := &countingWriter{w: w}

	header, err := json.Marshal(e.Header)
	if err != nil {
		return cw.n, errors.E(op, err)
	}
	if err := cw.line(header); err != nil {
		return cw.n, errors.E(op, err)
	}

	for _, item := range e.Items {
		item.Header.Length = len(item.Payload)
		ih, err := json.Marshal(item.Header)
		if err != nil {
			return cw.n, errors.E(op, err)
		}
		if err := cw.line(ih); err != nil {
			return cw.n, errors.E(op, err)
		}
		if err := cw.line(item.Payload); err != nil {
			return cw.n, errors.E(op, err)
		}
	}

	return cw.n, nil
}

// Parse decodes a serialized envelope. Items with a length are read by
// length, items without one are read up to the next newline.
func Parse(data []byte) (*Envelope, error) {
	const op = errors.Op("envelope_parse")

	line, rest := nextLine(data)
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, errors.E(op, errors.Str("empty envelope header"))
	}

	env := &Envelope{}
	if err := json.Unmarshal(line, &env.Header); err != nil {
		return nil, errors.E(op, fmt.Errorf("envelope header: %w", err))
	}

	for len(rest) > 0 {
		line, rest = nextLine(rest)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ih struct {
			ItemHeader
			Length *int `json:"length"`
		}
		if err := json.Unmarshal(line, &ih); err != nil {
			return nil, errors.E(op, fmt.Errorf("item header: %w", err))
		}

		item := &Item{Header: ih.ItemHeader}
		if ih.Length != nil {
			n := *ih.Length
			if n < 0 || n > len(rest) {
				return nil, errors.E(op, fmt.Errorf("item length %d exceeds remaining %d bytes", n, len(rest)))
			}
			item.Payload = append([]byte(nil), rest[:n]...)
			rest = rest[n:]
			if len(rest) > 0 && rest[0] == '\n' {
				rest = rest[1:]
			}
		} else {
			line, rest = nextLine(rest)
			item.Payload = append([]byte(nil), line...)
		}
		item.Header.Length = len(item.Payload)
		env.Items = append(env.Items, item)
	}

	return env, nil
}

// Options control FromEvent
type Options struct {
	DSN   string
	SDK   *event.SdkInfo
	Trace *propagation.DSC
}

// FromEvent builds an event or transaction envelope carrying the event's
// attachments. Attachments are expected to be validated already.
func FromEvent(ev *event.Event, opts Options) (*Envelope, error) {
	const op = errors.Op("envelope_from_event")

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.E(op, err)
	}

	sdk := opts.SDK
	if sdk == nil {
		sdk = ev.Sdk
	}

	env := New(Header{
		EventID: ev.EventID,
		DSN:     opts.DSN,
		SDK:     sdk,
	})
	if opts.Trace.Valid() {
		env.Header.Trace = opts.Trace.Clone()
	}

	t := TypeEvent
	if ev.IsTransaction() {
		t = TypeTransaction
	}
	env.AddItem(t, payload)

	for _, a := range ev.Attachments {
		if a != nil {
			env.AddAttachment(a)
		}
	}

	return env, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) line(b []byte) error {
	n, err := c.w.Write(b)
	c.n += int64(n)
	if err != nil {
		return err
	}
	n, err = c.w.Write([]byte{'\n'})
	c.n += int64(n)
	return err
}

func nextLine(b []byte) ([]byte, []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b, nil
	}
	return b[:i], b[i+1:]
}
