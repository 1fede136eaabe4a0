package event

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

const (
	// DefaultNormalizeDepth bounds nesting of extra and contexts data
	DefaultNormalizeDepth = 3
	// DefaultNormalizeBreadth bounds the number of entries kept per map or slice
	DefaultNormalizeBreadth = 1000

	CircularMarker    = "[Circular ~]"
	ObjectMarker      = "[Object]"
	ArrayMarker       = "[Array]"
	UnserializableTag = "[object Object]"
	TruncatedMarker   = "[MaxProperties ~]"
)

// normalizer carries the visited set for one Normalize call. Pointer-like
// values are recorded while their subtree is being walked so that
// self-references become markers instead of infinite recursion.
type normalizer struct {
	maxDepth   int
	maxBreadth int
	visited    map[uintptr]struct{}
}

// Normalize converts an arbitrary Go value into a JSON-safe tree made of
// map[string]any, []any, strings, numbers, bools and nil. Nesting deeper than
// depth is replaced by a type marker, containers larger than breadth are cut.
func Normalize(v any, depth, breadth int) any {
	if depth <= 0 {
		depth = DefaultNormalizeDepth
	}
	if breadth <= 0 {
		breadth = DefaultNormalizeBreadth
	}

	n := &normalizer{
		maxDepth:   depth,
		maxBreadth: breadth,
		visited:    make(map[uintptr]struct{}),
	}

	return n.walk(reflect.ValueOf(v), 0)
}

// NormalizeMap normalizes each value of m with the default bounds
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, ok := Normalize(m, DefaultNormalizeDepth+1, DefaultNormalizeBreadth).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

func (n *normalizer) walk(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}

	// interface values are unwrapped first so the concrete kind drives the switch
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if v.CanInterface() {
		switch t := v.Interface().(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			return t.String()
		case error:
			if v.Kind() != reflect.Pointer || !v.IsNil() {
				return t.Error()
			}
		case json.Marshaler:
			if v.Kind() != reflect.Pointer || !v.IsNil() {
				return n.fromJSON(t)
			}
		case encoding.TextMarshaler:
			if v.Kind() != reflect.Pointer || !v.IsNil() {
				if b, err := t.MarshalText(); err == nil {
					return string(b)
				}
				return UnserializableTag
			}
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
		return f
	case reflect.String:
		return v.String()
	case reflect.Func:
		return "[Function]"
	case reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("[%s]", v.Type().String())
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	}

	if depth >= n.maxDepth {
		switch v.Kind() {
		case reflect.Slice, reflect.Array:
			return ArrayMarker
		default:
			return ObjectMarker
		}
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return n.guard(v, func() any { return n.walk(v.Elem(), depth) })
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		return n.guard(v, func() any { return n.walkMap(v, depth) })
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		return n.guard(v, func() any { return n.walkSlice(v, depth) })
	case reflect.Array:
		return n.walkSlice(v, depth)
	case reflect.Struct:
		return n.walkStruct(v, depth)
	}

	return UnserializableTag
}

// guard marks the pointer identity of v as visited for the duration of fn
func (n *normalizer) guard(v reflect.Value, fn func() any) any {
	ptr := v.Pointer()
	if ptr == 0 {
		return fn()
	}
	if _, seen := n.visited[ptr]; seen {
		return CircularMarker
	}
	n.visited[ptr] = struct{}{}
	defer delete(n.visited, ptr)
	return fn()
}

func (n *normalizer) walkMap(v reflect.Value, depth int) any {
	keys := v.MapKeys()
	names := make([]string, len(keys))
	byName := make(map[string]reflect.Value, len(keys))
	for i, k := range keys {
		name := fmt.Sprint(k.Interface())
		names[i] = name
		byName[name] = k
	}
	sort.Strings(names)

	out := make(map[string]any, min(len(names), n.maxBreadth))
	for i, name := range names {
		if i >= n.maxBreadth {
			out[name] = TruncatedMarker
			break
		}
		out[name] = n.walk(v.MapIndex(byName[name]), depth+1)
	}
	return out
}

func (n *normalizer) walkSlice(v reflect.Value, depth int) any {
	size := v.Len()
	out := make([]any, 0, min(size, n.maxBreadth))
	for i := 0; i < size; i++ {
		if i >= n.maxBreadth {
			out = append(out, TruncatedMarker)
			break
		}
		out = append(out, n.walk(v.Index(i), depth+1))
	}
	return out
}

func (n *normalizer) walkStruct(v reflect.Value, depth int) any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	count := 0
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" {
			if tag == "-" {
				continue
			}
			if idx := indexComma(tag); idx > 0 {
				name = tag[:idx]
			} else if idx < 0 {
				name = tag
			}
		}
		if count >= n.maxBreadth {
			out[name] = TruncatedMarker
			break
		}
		out[name] = n.walk(v.Field(i), depth+1)
		count++
	}
	return out
}

// fromJSON round-trips a json.Marshaler through encoding/json. Failures become
// a marker instead of an error.
func (n *normalizer) fromJSON(m json.Marshaler) any {
	b, err := m.MarshalJSON()
	if err != nil {
		return UnserializableTag
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return UnserializableTag
	}
	return out
}

func indexComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}

// Stringify renders v as JSON after normalization. Values that cannot be
// encoded yield "[object Object]" and self-referencing values yield "[Circular]".
func Stringify(v any) string {
	normalized := Normalize(v, 10, DefaultNormalizeBreadth)
	if containsCircular(normalized) {
		return "[Circular]"
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return UnserializableTag
	}
	return string(b)
}

func containsCircular(v any) bool {
	switch t := v.(type) {
	case string:
		return t == CircularMarker
	case map[string]any:
		for _, x := range t {
			if containsCircular(x) {
				return true
			}
		}
	case []any:
		for _, x := range t {
			if containsCircular(x) {
				return true
			}
		}
	}
	return false
}
