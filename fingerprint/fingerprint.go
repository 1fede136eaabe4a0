// Package fingerprint computes the grouping key of an event: an ordered list
// of strings that decides whether two events are the same issue.
package fingerprint

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/butschster/rr-sentry/event"
)

// DefaultToken is the sentinel fingerprint and the rule token that splices
// in the computed fingerprint
const DefaultToken = "{{ default }}"

// maxStackFrames is the number of most recent frames rendered into the stack part
const maxStackFrames = 5

// Compute returns the grouping key of ev. The result is never empty.
func Compute(ev *event.Event) []string {
	if ev == nil {
		return []string{DefaultToken}
	}

	if len(ev.Fingerprint) > 0 {
		return append([]string(nil), ev.Fingerprint...)
	}

	if ex := ev.LatestException(); ex != nil {
		if fp := fromException(ex); len(fp) > 0 {
			return fp
		}
	}

	if msg := messageOf(ev); msg != "" {
		if normalized := NormalizeMessage(msg); normalized != "" {
			return []string{normalized}
		}
	}

	return []string{DefaultToken}
}

func fromException(ex *event.Exception) []string {
	fp := make([]string, 0, 3)

	if ex.Type != "" {
		fp = append(fp, ex.Type)
	}
	if ex.Value != "" && !IsGenericMessage(ex.Value) {
		if normalized := NormalizeMessage(ex.Value); normalized != "" {
			fp = append(fp, normalized)
		}
	}
	if ex.Stacktrace != nil {
		if stack := StackFingerprint(ex.Stacktrace.Frames); stack != "" {
			fp = append(fp, stack)
		}
	}

	return fp
}

// StackFingerprint renders up to the last five in-app frames (all frames when
// none are in-app) as filename:function:lineno joined with "|".
func StackFingerprint(frames []event.StackFrame) string {
	if len(frames) == 0 {
		return ""
	}

	selected := make([]event.StackFrame, 0, len(frames))
	for _, f := range frames {
		if f.InApp {
			selected = append(selected, f)
		}
	}
	if len(selected) == 0 {
		selected = frames
	}
	if len(selected) > maxStackFrames {
		selected = selected[len(selected)-maxStackFrames:]
	}

	parts := make([]string, len(selected))
	for i, f := range selected {
		parts[i] = f.Filename + ":" + f.Function + ":" + strconv.Itoa(f.Lineno)
	}
	return strings.Join(parts, "|")
}

// messageOf prefers the template so parameterised messages group together
func messageOf(ev *event.Event) string {
	if ev.Message == nil {
		return ""
	}
	if ev.Message.Message != "" {
		return ev.Message.Message
	}
	return ev.Message.Formatted
}

// Hash returns a hex blake3 digest of fp, suitable as a compact grouping key
func Hash(fp []string) string {
	h := blake3.New()
	for _, part := range fp {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
