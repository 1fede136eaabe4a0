package builder

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/butschster/rr-sentry/event"
)

// FormatTemplate renders a printf-style template. Supported verbs are
// %s %d %i %f %o %O %j and %%. Verbs without a matching param are kept
// verbatim; params left over are appended separated by spaces.
func FormatTemplate(template string, params []any) string {
	if len(params) == 0 {
		return template
	}

	var b strings.Builder
	b.Grow(len(template) + 16*len(params))

	next := 0
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i+1 >= len(template) {
			b.WriteByte(c)
			continue
		}

		verb := template[i+1]
		switch verb {
		case '%':
			b.WriteByte('%')
			i++
		case 's', 'd', 'i', 'f', 'o', 'O', 'j':
			i++
			if next >= len(params) {
				b.WriteByte('%')
				b.WriteByte(verb)
				continue
			}
			b.WriteString(formatParam(verb, params[next]))
			next++
		default:
			b.WriteByte(c)
		}
	}

	for ; next < len(params); next++ {
		b.WriteByte(' ')
		b.WriteString(formatParam('s', params[next]))
	}

	return b.String()
}

func formatParam(verb byte, v any) string {
	switch verb {
	case 'd', 'i':
		f, ok := toFloat(v)
		if !ok {
			return "NaN"
		}
		return strconv.FormatInt(int64(math.Trunc(f)), 10)
	case 'f':
		f, ok := toFloat(v)
		if !ok {
			return "NaN"
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	case 'o', 'O', 'j':
		return event.Stringify(v)
	default:
		switch t := v.(type) {
		case string:
			return t
		case error:
			return t.Error()
		case fmt.Stringer:
			return t.String()
		case map[string]any, []any:
			return event.Stringify(t)
		default:
			return fmt.Sprint(v)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, !math.IsNaN(t)
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
