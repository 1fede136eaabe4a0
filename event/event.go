package event

import (
	"encoding/json"
	"time"
)

// Level represents the severity of an event or breadcrumb
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// TypeTransaction marks transaction events
const TypeTransaction = "transaction"

// Event represents a single Sentry event
type Event struct {
	EventID     string            `json:"event_id"`
	Timestamp   float64           `json:"timestamp"`
	Level       Level             `json:"level,omitempty"`
	Type        string            `json:"type,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	Logger      string            `json:"logger,omitempty"`
	ServerName  string            `json:"server_name,omitempty"`
	Release     string            `json:"release,omitempty"`
	Dist        string            `json:"dist,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Transaction string            `json:"transaction,omitempty"`
	Message     *Message          `json:"-"`
	Exception   []Exception       `json:"-"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	Contexts    map[string]any    `json:"contexts,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"-"`
	Fingerprint []string          `json:"fingerprint,omitempty"`
	User        *User             `json:"user,omitempty"`
	Sdk         *SdkInfo          `json:"sdk,omitempty"`

	// Transaction events only
	StartTimestamp float64 `json:"start_timestamp,omitempty"`

	// Attachments travel with the event into the envelope, never into the payload
	Attachments []*Attachment `json:"-"`
}

// Message is either a raw string or a template with params and the formatted result
type Message struct {
	Message   string `json:"message,omitempty"`
	Params    []any  `json:"params,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// Exception represents a single exception in a chain
type Exception struct {
	Type       string      `json:"type,omitempty"`
	Value      string      `json:"value,omitempty"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
	Mechanism  *Mechanism  `json:"mechanism,omitempty"`
}

// Mechanism describes how an exception was captured
type Mechanism struct {
	Type             string         `json:"type"`
	Handled          *bool          `json:"handled,omitempty"`
	Synthetic        bool           `json:"synthetic,omitempty"`
	Source           string         `json:"source,omitempty"`
	ExceptionID      int            `json:"exception_id"`
	ParentID         *int           `json:"parent_id,omitempty"`
	IsExceptionGroup bool           `json:"is_exception_group,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

// Stacktrace holds frames ordered oldest-first
type Stacktrace struct {
	Frames []StackFrame `json:"frames"`
}

// StackFrame represents a single frame of a stack trace
type StackFrame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Filename string `json:"filename,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	InApp    bool   `json:"in_app"`
}

// Breadcrumb is a timestamped record of something that happened before an event
type Breadcrumb struct {
	Type      string         `json:"type,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Level     Level          `json:"level,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// User identifies the user affected by an event
type User struct {
	ID        string            `json:"id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Username  string            `json:"username,omitempty"`
	Segment   string            `json:"segment,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// IsEmpty reports whether no user field is set
func (u *User) IsEmpty() bool {
	return u == nil || (u.ID == "" && u.Email == "" && u.IPAddress == "" && u.Username == "" && u.Segment == "" && len(u.Data) == 0)
}

// SdkInfo describes the SDK that produced the event
type SdkInfo struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Integrations []string     `json:"integrations,omitempty"`
	Packages     []SdkPackage `json:"packages,omitempty"`
}

// SdkPackage is a package that is part of the SDK
type SdkPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Attachment is a file sent alongside an event
type Attachment struct {
	Filename       string
	ContentType    string
	AttachmentType string
	Payload        []byte
}

// New creates an event with a fresh id and the current timestamp
func New(level Level) *Event {
	return &Event{
		EventID:   NewID(),
		Timestamp: Timestamp(time.Now()),
		Level:     level,
		Platform:  "go",
	}
}

// Timestamp converts t to float seconds since epoch
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts a float timestamp back to time.Time
func Time(ts float64) time.Time {
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*float64(time.Second)))
}

// HasException reports whether the event carries at least one exception
func (e *Event) HasException() bool {
	return len(e.Exception) > 0
}

// LatestException returns the newest exception of the chain or nil
func (e *Event) LatestException() *Exception {
	if len(e.Exception) == 0 {
		return nil
	}
	return &e.Exception[len(e.Exception)-1]
}

// IsTransaction reports whether the event is a transaction
func (e *Event) IsTransaction() bool {
	return e.Type == TypeTransaction
}

// Clone returns a deep copy of the event
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	c := *e

	if e.Message != nil {
		m := *e.Message
		m.Params = append([]any(nil), e.Message.Params...)
		c.Message = &m
	}

	if e.Exception != nil {
		c.Exception = make([]Exception, len(e.Exception))
		for i, ex := range e.Exception {
			c.Exception[i] = ex.clone()
		}
	}

	c.Tags = cloneStringMap(e.Tags)
	c.Extra = CloneMap(e.Extra)
	c.Contexts = CloneMap(e.Contexts)
	c.Fingerprint = append([]string(nil), e.Fingerprint...)
	if e.Fingerprint == nil {
		c.Fingerprint = nil
	}

	if e.Breadcrumbs != nil {
		c.Breadcrumbs = make([]Breadcrumb, len(e.Breadcrumbs))
		for i, b := range e.Breadcrumbs {
			b.Data = CloneMap(b.Data)
			c.Breadcrumbs[i] = b
		}
	}

	if e.User != nil {
		u := *e.User
		u.Data = cloneStringMap(e.User.Data)
		c.User = &u
	}

	if e.Sdk != nil {
		s := *e.Sdk
		s.Integrations = append([]string(nil), e.Sdk.Integrations...)
		s.Packages = append([]SdkPackage(nil), e.Sdk.Packages...)
		c.Sdk = &s
	}

	c.Attachments = append([]*Attachment(nil), e.Attachments...)

	return &c
}

func (ex Exception) clone() Exception {
	c := ex
	if ex.Stacktrace != nil {
		c.Stacktrace = &Stacktrace{Frames: append([]StackFrame(nil), ex.Stacktrace.Frames...)}
	}
	if ex.Mechanism != nil {
		m := *ex.Mechanism
		m.Data = CloneMap(ex.Mechanism.Data)
		if ex.Mechanism.Handled != nil {
			h := *ex.Mechanism.Handled
			m.Handled = &h
		}
		if ex.Mechanism.ParentID != nil {
			p := *ex.Mechanism.ParentID
			m.ParentID = &p
		}
		c.Mechanism = &m
	}
	return c
}

// CloneMap copies a map recursively for nested maps and slices
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// wire helpers for the Sentry payload shape
type valuesExceptions struct {
	Values []Exception `json:"values"`
}

type valuesBreadcrumbs struct {
	Values []Breadcrumb `json:"values"`
}

// MarshalJSON renders the Sentry wire shape. Exceptions are emitted newest-last
// inside exception.values, which is what ingestion expects.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	out := struct {
		*alias
		Message     any                `json:"logentry,omitempty"`
		Exception   *valuesExceptions  `json:"exception,omitempty"`
		Breadcrumbs *valuesBreadcrumbs `json:"breadcrumbs,omitempty"`
	}{alias: (*alias)(e)}

	if e.Message != nil {
		out.Message = e.Message
	}
	if len(e.Exception) > 0 {
		out.Exception = &valuesExceptions{Values: e.Exception}
	}
	if len(e.Breadcrumbs) > 0 {
		out.Breadcrumbs = &valuesBreadcrumbs{Values: e.Breadcrumbs}
	}

	return json.Marshal(out)
}

// UnmarshalJSON accepts the wire shape produced by MarshalJSON as well as the
// flat shapes PHP and JS SDKs hand over (message as a plain string, exception
// and breadcrumbs as bare arrays).
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	in := struct {
		*alias
		LogEntry    json.RawMessage `json:"logentry"`
		Message     json.RawMessage `json:"message"`
		Exception   json.RawMessage `json:"exception"`
		Breadcrumbs json.RawMessage `json:"breadcrumbs"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	msg := in.LogEntry
	if len(msg) == 0 {
		msg = in.Message
	}
	if len(msg) > 0 && string(msg) != "null" {
		var s string
		if err := json.Unmarshal(msg, &s); err == nil {
			e.Message = &Message{Message: s}
		} else {
			var m Message
			if err := json.Unmarshal(msg, &m); err != nil {
				return err
			}
			e.Message = &m
		}
	}

	if len(in.Exception) > 0 && string(in.Exception) != "null" {
		var wrapped valuesExceptions
		if err := json.Unmarshal(in.Exception, &wrapped); err == nil {
			e.Exception = wrapped.Values
		} else if err := json.Unmarshal(in.Exception, &e.Exception); err != nil {
			return err
		}
	}

	if len(in.Breadcrumbs) > 0 && string(in.Breadcrumbs) != "null" {
		var wrapped valuesBreadcrumbs
		if err := json.Unmarshal(in.Breadcrumbs, &wrapped); err == nil {
			e.Breadcrumbs = wrapped.Values
		} else if err := json.Unmarshal(in.Breadcrumbs, &e.Breadcrumbs); err != nil {
			return err
		}
	}

	return nil
}
