// Package propagation encodes and decodes the sentry-trace and baggage
// headers that carry a sampling decision and the Dynamic Sampling Context
// across process and service boundaries.
package propagation

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Header names
const (
	SentryTraceHeader = "sentry-trace"
	BaggageHeader     = "baggage"
)

var sentryTraceRegex = regexp.MustCompile(`^([0-9a-f]{32})-([0-9a-f]{16})(?:-([01]))?$`)

// SentryTrace is the decoded sentry-trace header. A nil Sampled means the
// upstream service has not made a decision yet, which is not the same as false.
type SentryTrace struct {
	TraceID string
	SpanID  string
	Sampled *bool
}

// ParseSentryTrace validates the exact {32 hex}-{16 hex}[-{0|1}] grammar
func ParseSentryTrace(header string) (SentryTrace, bool) {
	m := sentryTraceRegex.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return SentryTrace{}, false
	}

	st := SentryTrace{TraceID: m[1], SpanID: m[2]}
	switch m[3] {
	case "1":
		st.Sampled = boolPtr(true)
	case "0":
		st.Sampled = boolPtr(false)
	}
	return st, true
}

// String serializes the header, omitting the flag when no decision was made
func (st SentryTrace) String() string {
	s := st.TraceID + "-" + st.SpanID
	if st.Sampled != nil {
		if *st.Sampled {
			s += "-1"
		} else {
			s += "-0"
		}
	}
	return s
}

// NewTraceID returns 32 lowercase hex characters
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSpanID returns 16 lowercase hex characters
func NewSpanID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return NewTraceID()[:16]
	}
	return hex.EncodeToString(b[:])
}

func boolPtr(b bool) *bool {
	return &b
}
