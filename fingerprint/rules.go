package fingerprint

import (
	"regexp"
	"strings"

	"github.com/butschster/rr-sentry/event"
)

var tokenRegex = regexp.MustCompile(`^\{\{\s*([a-z]+)\s*\}\}$`)

// ApplyRules expands a rule list into a fingerprint. Rules may mix literal
// strings with the symbolic tokens {{ default }}, {{ type }}, {{ function }},
// {{ module }}, {{ filename }} and {{ message }}. {{ default }} is replaced by
// the entries of computed at that position. Tokens that resolve to nothing
// are skipped; an empty result falls back to computed.
func ApplyRules(rules []string, ev *event.Event, computed []string) []string {
	if len(rules) == 0 {
		return computed
	}

	out := make([]string, 0, len(rules)+len(computed))
	for _, rule := range rules {
		m := tokenRegex.FindStringSubmatch(strings.TrimSpace(rule))
		if m == nil {
			out = append(out, rule)
			continue
		}

		switch m[1] {
		case "default":
			out = append(out, computed...)
		case "type":
			if ex := latest(ev); ex != nil && ex.Type != "" {
				out = append(out, ex.Type)
			}
		case "function":
			if f := topFrame(ev); f != nil && f.Function != "" {
				out = append(out, f.Function)
			}
		case "module":
			if f := topFrame(ev); f != nil && f.Module != "" {
				out = append(out, f.Module)
			} else if ex := latest(ev); ex != nil && ex.Module != "" {
				out = append(out, ex.Module)
			}
		case "filename":
			if f := topFrame(ev); f != nil && f.Filename != "" {
				out = append(out, f.Filename)
			}
		case "message":
			if msg := messageOrValue(ev); msg != "" {
				out = append(out, NormalizeMessage(msg))
			}
		default:
			out = append(out, rule)
		}
	}

	if len(out) == 0 {
		return computed
	}
	return out
}

func latest(ev *event.Event) *event.Exception {
	if ev == nil {
		return nil
	}
	return ev.LatestException()
}

// topFrame is the most recent in-app frame, or the most recent frame when none are in-app
func topFrame(ev *event.Event) *event.StackFrame {
	ex := latest(ev)
	if ex == nil || ex.Stacktrace == nil || len(ex.Stacktrace.Frames) == 0 {
		return nil
	}
	frames := ex.Stacktrace.Frames
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].InApp {
			return &frames[i]
		}
	}
	return &frames[len(frames)-1]
}

func messageOrValue(ev *event.Event) string {
	if ev == nil {
		return ""
	}
	if msg := messageOf(ev); msg != "" {
		return msg
	}
	if ex := ev.LatestException(); ex != nil {
		return ex.Value
	}
	return ""
}
