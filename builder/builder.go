package builder

import (
	"github.com/butschster/rr-sentry/event"
)

// EventFromException builds an error-level event from any thrown value
func EventFromException(v any, opts Options) *event.Event {
	ev := event.New(event.LevelError)
	opts.SkipFrames++
	ev.Exception = ExceptionsFromValue(v, opts)
	return ev
}

// EventFromPanic builds a fatal event from a recovered panic value
func EventFromPanic(recovered any, opts Options) *event.Event {
	handled := false
	opts.Handled = &handled
	opts.Mechanism = MechanismPanic
	opts.AttachStacktrace = true
	opts.SkipFrames++

	ev := event.New(event.LevelFatal)
	ev.Exception = ExceptionsFromValue(recovered, opts)
	return ev
}

// EventFromMessage builds an event from a message template and its params.
// With TemplateAware set and params present the raw template becomes the
// fingerprint so every rendering of the template groups together.
func EventFromMessage(template string, params []any, level event.Level, opts Options) *event.Event {
	if level == "" {
		level = event.LevelInfo
	}

	ev := event.New(level)
	msg := &event.Message{Message: template}
	if len(params) > 0 {
		msg.Params = append([]any(nil), params...)
		msg.Formatted = FormatTemplate(template, params)
		if opts.TemplateAware {
			ev.Fingerprint = []string{template}
		}
	}
	ev.Message = msg

	return ev
}
