// Package builder creates events from thrown values, recovered panics and
// message templates.
package builder

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/stacktrace"
)

// MaxChainLength bounds how many linked causes are exported per exception
const MaxChainLength = 10

// Mechanism types
const (
	MechanismGeneric = "generic"
	MechanismChained = "chained"
	MechanismPanic   = "panic"
)

// messageFields are scanned in order on object values; the first non-empty wins
var messageFields = []string{"message", "error", "reason", "description"}

// Options control exception and message builders
type Options struct {
	// AttachStacktrace adds a synthetic stack when the value carries none
	AttachStacktrace bool
	// TemplateAware keeps the raw template as grouping key for parameterised messages
	TemplateAware bool
	// SkipFrames skips additional innermost frames of synthetic stacks
	SkipFrames int
	// Mechanism overrides the capture origin, MechanismGeneric by default
	Mechanism string
	// Handled marks the exception as handled by the application
	Handled *bool
}

// node is one link of a cause chain before it is exported
type node struct {
	exception event.Exception
	pcs       []uintptr
	source    string
	children  int
	parent    int
}

// ExceptionsFromValue normalizes an arbitrary thrown value into an exception
// chain ordered oldest-first, with the value itself last. Causes are followed
// up to MaxChainLength links and tagged with exception_id / parent_id.
func ExceptionsFromValue(v any, opts Options) []event.Exception {
	if opts.Mechanism == "" {
		opts.Mechanism = MechanismGeneric
	}

	nodes := make([]*node, 0, 4)
	collect(v, -1, "", &nodes, make(map[uintptr]struct{}))

	out := make([]event.Exception, len(nodes))
	for i, n := range nodes {
		ex := n.exception

		mech := &event.Mechanism{
			Type:             opts.Mechanism,
			ExceptionID:      i,
			Source:           n.source,
			IsExceptionGroup: n.children > 1,
		}
		if i == 0 {
			mech.Handled = opts.Handled
			if mech.Handled == nil {
				handled := true
				mech.Handled = &handled
			}
			if _, isErr := v.(error); !isErr && !isObject(v) {
				mech.Synthetic = true
			}
		} else {
			mech.Type = MechanismChained
			parent := n.parent
			mech.ParentID = &parent
		}

		if ex.Stacktrace == nil && len(n.pcs) > 0 {
			if frames := stacktrace.FromPCs(n.pcs); len(frames) > 0 {
				ex.Stacktrace = &event.Stacktrace{Frames: frames}
			}
		}

		if i == 0 && ex.Stacktrace == nil && opts.AttachStacktrace {
			frames := stacktrace.FromCallers(opts.SkipFrames + 1)
			if len(frames) > 0 {
				ex.Stacktrace = &event.Stacktrace{Frames: frames}
				mech.Synthetic = true
			}
		}

		ex.Mechanism = mech
		out[i] = ex
	}

	return Reverse(out)
}

// Reverse flips the chain order in place and returns it
func Reverse(chain []event.Exception) []event.Exception {
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// collect walks v and its causes depth-first, appending in discovery order
// (the thrown value first). visited stops self-referencing cause links.
func collect(v any, parent int, source string, nodes *[]*node, visited map[uintptr]struct{}) {
	if v == nil || len(*nodes) >= MaxChainLength {
		return
	}

	if ptr := identity(v); ptr != 0 {
		if _, seen := visited[ptr]; seen {
			return
		}
		visited[ptr] = struct{}{}
	}

	n := &node{parent: parent, source: source}
	var causes []any

	switch t := v.(type) {
	case error:
		n.exception = event.Exception{
			Type:   errorType(t),
			Value:  t.Error(),
			Module: errorModule(t),
		}
		n.pcs = callersOf(t)
		switch u := t.(type) {
		case interface{ Unwrap() []error }:
			for _, c := range u.Unwrap() {
				causes = append(causes, c)
			}
		case interface{ Unwrap() error }:
			if c := u.Unwrap(); c != nil {
				causes = append(causes, c)
			}
		case interface{ Cause() error }:
			if c := u.Cause(); c != nil {
				causes = append(causes, c)
			}
		}
	case string:
		n.exception = event.Exception{Type: "Error", Value: t}
	case map[string]any:
		n.exception = fromObject(t)
		if c, ok := t["cause"]; ok && c != nil {
			causes = append(causes, c)
		}
		if list, ok := t["errors"].([]any); ok {
			causes = append(causes, list...)
		}
	default:
		n.exception = event.Exception{Type: "Error", Value: stringifyScalar(v)}
	}

	*nodes = append(*nodes, n)
	id := len(*nodes) - 1
	n.children = len(causes)

	for i, c := range causes {
		src := "cause"
		if len(causes) > 1 {
			src = fmt.Sprintf("errors[%d]", i)
		}
		collect(c, id, src, nodes, visited)
	}
}

// fromObject normalizes an Error-shaped map such as those handed over by PHP and JS workers
func fromObject(obj map[string]any) event.Exception {
	ex := event.Exception{Type: "Error"}

	if name, ok := obj["name"].(string); ok && name != "" {
		ex.Type = name
	} else if class, ok := obj["type"].(string); ok && class != "" {
		ex.Type = class
	}

	for _, field := range messageFields {
		if s := nonEmptyString(obj[field]); s != "" {
			ex.Value = s
			break
		}
	}
	if ex.Value == "" {
		ex.Value = event.Stringify(withoutKeys(obj, "stack", "cause"))
	}

	if module, ok := obj["module"].(string); ok {
		ex.Module = module
	}

	if raw, ok := obj["stack"].(string); ok && raw != "" {
		if frames := stacktrace.Parse(raw, 0); len(frames) > 0 {
			ex.Stacktrace = &event.Stacktrace{Frames: frames}
		}
	}

	return ex
}

func nonEmptyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case error:
		return t.Error()
	case map[string]any:
		// {"error": {"message": "..."}} is common in API payloads
		for _, field := range messageFields {
			if s, ok := t[field].(string); ok && s != "" {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}

func withoutKeys(obj map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func stringifyScalar(v any) string {
	switch t := v.(type) {
	case fmt.Stringer:
		return t.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(t)
	default:
		return event.Stringify(v)
	}
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// errorType renders the dynamic Go type without pointer markers or package
// path, e.g. *fs.PathError becomes PathError. The package goes to Module.
func errorType(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

func errorModule(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath()
}

func identity(v any) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map:
		return rv.Pointer()
	}
	return 0
}

// callersOf extracts program counters from errors that recorded their stack:
// Callers() []uintptr (go-errors style) or StackTrace() of a uintptr slice
// type (pkg/errors style).
func callersOf(err error) []uintptr {
	if c, ok := err.(interface{ Callers() []uintptr }); ok {
		return c.Callers()
	}

	method := reflect.ValueOf(err).MethodByName("StackTrace")
	if !method.IsValid() || method.Type().NumIn() != 0 || method.Type().NumOut() != 1 {
		return nil
	}
	out := method.Call(nil)[0]
	if out.Kind() != reflect.Slice || out.Type().Elem().Kind() != reflect.Uintptr {
		return nil
	}

	pcs := make([]uintptr, out.Len())
	for i := range pcs {
		pcs[i] = uintptr(out.Index(i).Uint())
	}
	return pcs
}
