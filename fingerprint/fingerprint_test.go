package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butschster/rr-sentry/event"
)

func frames(n int, inApp bool) []event.StackFrame {
	out := make([]event.StackFrame, n)
	for i := range out {
		out[i] = event.StackFrame{
			Filename: "src/app.js",
			Function: "fn" + string(rune('a'+i)),
			Lineno:   i + 1,
			InApp:    inApp,
		}
	}
	return out
}

func exceptionEvent(typ, value string, fr []event.StackFrame) *event.Event {
	ev := event.New(event.LevelError)
	ev.Exception = []event.Exception{{
		Type:       typ,
		Value:      value,
		Stacktrace: &event.Stacktrace{Frames: fr},
	}}
	return ev
}

func TestCompute_ExplicitFingerprint(t *testing.T) {
	ev := event.New(event.LevelError)
	ev.Fingerprint = []string{"custom", "key"}
	assert.Equal(t, []string{"custom", "key"}, Compute(ev))
}

func TestCompute_Exception(t *testing.T) {
	ev := exceptionEvent("TypeError", "Cannot read property x", frames(2, true))
	fp := Compute(ev)
	require.Len(t, fp, 3)
	assert.Equal(t, "TypeError", fp[0])
	assert.Equal(t, "Cannot read property x", fp[1])
	assert.Equal(t, "src/app.js:fna:1|src/app.js:fnb:2", fp[2])
}

func TestCompute_Deterministic(t *testing.T) {
	a := exceptionEvent("NotFound", "User 8f14e45f-ceea-467f-a8c4-1c1f7e3b2b9a not found for bob@example.com", frames(7, true))
	b := exceptionEvent("NotFound", "User 0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d not found for alice@example.org", frames(7, true))

	fpA := Compute(a)
	assert.Equal(t, fpA, Compute(a))
	assert.Equal(t, fpA, Compute(b))
	assert.Equal(t, "User <uuid> not found for <email>", fpA[1])
}

func TestCompute_GenericMessageOmitted(t *testing.T) {
	ev := exceptionEvent("Error", "Script error.", nil)
	assert.Equal(t, []string{"Error"}, Compute(ev))
}

func TestCompute_LastFiveInAppFrames(t *testing.T) {
	fr := frames(8, true)
	fr[7].InApp = false
	fp := Compute(exceptionEvent("E", "v", fr))
	assert.Equal(t, "src/app.js:fnc:3|src/app.js:fnd:4|src/app.js:fne:5|src/app.js:fnf:6|src/app.js:fng:7", fp[2])
}

func TestCompute_AllFramesWhenNoneInApp(t *testing.T) {
	fp := Compute(exceptionEvent("E", "v", frames(2, false)))
	assert.Equal(t, "src/app.js:fna:1|src/app.js:fnb:2", fp[2])
}

func TestCompute_MessageFallback(t *testing.T) {
	ev := event.New(event.LevelInfo)
	ev.Message = &event.Message{Message: "Order 123456 failed at 2024-05-01T10:00:00Z"}
	assert.Equal(t, []string{"Order <id> failed at <timestamp>"}, Compute(ev))
}

func TestCompute_DefaultSentinel(t *testing.T) {
	assert.Equal(t, []string{DefaultToken}, Compute(event.New(event.LevelInfo)))
	assert.Equal(t, []string{DefaultToken}, Compute(nil))
}

func TestNormalizeMessage(t *testing.T) {
	cases := map[string]string{
		"GET https://api.example.com/users/42?x=1 failed": "GET <url> failed",
		"connect 10.0.0.12:5432 refused":                  "connect <ip> refused",
		"cannot open /etc/app/config.yaml":                "cannot open <path>",
		"object a1b2c3d4e5f6 missing":                     "object <hex> missing",
		"created at 1714557600":                           "created at <timestamp>",
		"dead beef cafe":                                  "dead beef cafe",
		"retry    later":                                  "retry later",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeMessage(in), in)
	}
}

func TestApplyRules(t *testing.T) {
	fr := frames(2, true)
	fr[1].Module = "app/handlers"
	ev := exceptionEvent("TypeError", "bad input 12345", fr)
	computed := Compute(ev)

	got := ApplyRules([]string{"{{ default }}", "tenant-a"}, ev, computed)
	assert.Equal(t, append(append([]string{}, computed...), "tenant-a"), got)

	got = ApplyRules([]string{"{{type}}", "{{ function }}", "{{ module }}", "{{ filename }}", "{{ message }}"}, ev, computed)
	assert.Equal(t, []string{"TypeError", "fnb", "app/handlers", "src/app.js", "bad input <id>"}, got)

	assert.Equal(t, computed, ApplyRules(nil, ev, computed))
	assert.Equal(t, computed, ApplyRules([]string{"{{ function }}"}, event.New(event.LevelInfo), computed))
}

func TestHash(t *testing.T) {
	a := Hash([]string{"a", "b"})
	assert.Len(t, a, 32)
	assert.Equal(t, a, Hash([]string{"a", "b"}))
	assert.NotEqual(t, a, Hash([]string{"ab"}))
}
