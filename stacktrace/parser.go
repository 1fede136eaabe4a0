// Package stacktrace turns raw stack strings produced by V8 and Gecko style
// runtimes, as well as Go program counters, into ordered event.StackFrame
// sequences.
package stacktrace

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/butschster/rr-sentry/event"
)

const (
	// MaxFrames is the number of most recent frames kept per stack
	MaxFrames = 50
	// maxLineLength skips pathological lines such as inlined source maps
	maxLineLength = 1024
	// UnknownFunction is used for frames without a function name
	UnknownFunction = "?"
)

// Format identifies the grammar used to produce a raw stack
type Format int

const (
	FormatUnknown Format = iota
	FormatV8
	FormatGecko
)

var (
	v8CallRegex     = regexp.MustCompile(`^\s*at (?:async )?(?:new )?(.*?) \((.*)\)\s*$`)
	v8LocationRegex = regexp.MustCompile(`^\s*at (?:async )?(.*?)\s*$`)
	v8EvalRegex     = regexp.MustCompile(`^eval at ([^ ]+) \((\S*?)(?::(\d+))(?::(\d+))\)`)

	geckoRegex     = regexp.MustCompile(`^\s*(.*?)@(.*?)(?::(\d+))?(?::(\d+))?\s*$`)
	geckoEvalRegex = regexp.MustCompile(`(?i)(\S+) line (\d+)(?: > eval line \d+)* > eval`)

	locationRegex = regexp.MustCompile(`^(.*?)(?::(\d+))?(?::(\d+))?$`)
)

// Parse turns a raw stack string into frames ordered oldest-to-newest. The
// first skipLines lines are ignored. Unknown or empty input yields an empty
// slice, never an error.
func Parse(raw string, skipLines int) []event.StackFrame {
	if strings.TrimSpace(raw) == "" {
		return []event.StackFrame{}
	}

	lines := strings.Split(raw, "\n")
	if skipLines > 0 {
		if skipLines >= len(lines) {
			return []event.StackFrame{}
		}
		lines = lines[skipLines:]
	}

	primary := DetectFormat(lines)
	frames := parseWith(primary, lines)
	if len(frames) == 0 {
		frames = parseWith(alternate(primary), lines)
	}

	return reverse(frames)
}

// DetectFormat inspects the line shape: any line starting with "at " marks a
// V8 stack, anything else is treated as Gecko.
func DetectFormat(lines []string) Format {
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "at ") {
			return FormatV8
		}
	}
	return FormatGecko
}

func alternate(f Format) Format {
	if f == FormatV8 {
		return FormatGecko
	}
	return FormatV8
}

// parseWith returns frames newest-first, the order runtimes print them in
func parseWith(format Format, lines []string) []event.StackFrame {
	frames := make([]event.StackFrame, 0, len(lines))
	for _, line := range lines {
		if len(line) > maxLineLength {
			continue
		}

		var (
			frame event.StackFrame
			ok    bool
		)
		switch format {
		case FormatV8:
			frame, ok = parseV8Line(line)
		default:
			frame, ok = parseGeckoLine(line)
		}
		if !ok {
			continue
		}

		frames = append(frames, frame)
		if len(frames) >= MaxFrames {
			break
		}
	}
	return frames
}

func parseV8Line(line string) (event.StackFrame, bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), "at ") {
		return event.StackFrame{}, false
	}

	function := UnknownFunction
	var location string

	if m := v8CallRegex.FindStringSubmatch(line); m != nil {
		if m[1] != "" {
			function = m[1]
		}
		location = m[2]
	} else if m := v8LocationRegex.FindStringSubmatch(line); m != nil {
		location = m[1]
	} else {
		return event.StackFrame{}, false
	}

	// at eval (eval at outer (http://host/app.js:10:3), <anonymous>:1:1)
	if strings.HasPrefix(location, "eval at ") {
		if m := v8EvalRegex.FindStringSubmatch(location); m != nil {
			if function == UnknownFunction || function == "eval" {
				function = m[1]
			}
			return newFrame(function, m[2], atoi(m[3]), atoi(m[4])), true
		}
	}

	// "address at" is used by some runtimes for wasm frames
	location = strings.TrimPrefix(location, "address at ")

	file, lineno, colno := splitLocation(location)
	if file == "" {
		return event.StackFrame{}, false
	}

	return newFrame(function, file, lineno, colno), true
}

func parseGeckoLine(line string) (event.StackFrame, bool) {
	m := geckoRegex.FindStringSubmatch(line)
	if m == nil {
		return event.StackFrame{}, false
	}

	function := m[1]
	file := m[2]
	lineno := atoi(m[3])
	colno := atoi(m[4])

	// fn@http://host/app.js line 10 > eval:1:2
	if strings.Contains(file, " > eval") {
		if em := geckoEvalRegex.FindStringSubmatch(file); em != nil {
			if function == "" {
				function = "eval"
			}
			file = em[1]
			lineno = atoi(em[2])
			colno = 0
		}
	}

	if file == "" {
		return event.StackFrame{}, false
	}
	if function == "" {
		function = UnknownFunction
	}

	return newFrame(function, file, lineno, colno), true
}

func splitLocation(location string) (string, int, int) {
	m := locationRegex.FindStringSubmatch(location)
	if m == nil {
		return location, 0, 0
	}
	return m[1], atoi(m[2]), atoi(m[3])
}

func newFrame(function, path string, lineno, colno int) event.StackFrame {
	return event.StackFrame{
		Function: function,
		Filename: NormalizeFilename(path),
		AbsPath:  path,
		Lineno:   lineno,
		Colno:    colno,
		InApp:    IsInApp(path),
	}
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func reverse(frames []event.StackFrame) []event.StackFrame {
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}
