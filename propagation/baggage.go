package propagation

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	sentryPrefix = "sentry-"
	// MaxBaggageSize is the W3C limit for a whole baggage header
	MaxBaggageSize = 8192
)

// DSC is the Dynamic Sampling Context: trace level metadata created once per
// trace root and propagated unchanged to every downstream call of the trace.
type DSC struct {
	TraceID     string `json:"trace_id"`
	PublicKey   string `json:"public_key"`
	SampleRate  string `json:"sample_rate,omitempty"`
	Release     string `json:"release,omitempty"`
	Environment string `json:"environment,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	UserSegment string `json:"user_segment,omitempty"`
	Sampled     string `json:"sampled,omitempty"`

	// Other sentry- prefixed entries, keyed without prefix
	Extra map[string]string `json:"-"`
}

// Valid reports whether both required fields are present
func (d *DSC) Valid() bool {
	return d != nil && d.TraceID != "" && d.PublicKey != ""
}

// SampledFlag decodes the sampled entry; nil when absent or malformed
func (d *DSC) SampledFlag() *bool {
	if d == nil || d.Sampled == "" {
		return nil
	}
	b, err := strconv.ParseBool(d.Sampled)
	if err != nil {
		return nil
	}
	return &b
}

// Clone returns a copy that shares nothing with d
func (d *DSC) Clone() *DSC {
	if d == nil {
		return nil
	}
	c := *d
	if d.Extra != nil {
		c.Extra = make(map[string]string, len(d.Extra))
		for k, v := range d.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func (d *DSC) set(key, value string) {
	switch key {
	case "trace_id":
		d.TraceID = value
	case "public_key":
		d.PublicKey = value
	case "sample_rate":
		d.SampleRate = value
	case "release":
		d.Release = value
	case "environment":
		d.Environment = value
	case "transaction":
		d.Transaction = value
	case "user_segment":
		d.UserSegment = value
	case "sampled":
		d.Sampled = value
	default:
		if d.Extra == nil {
			d.Extra = make(map[string]string)
		}
		d.Extra[key] = value
	}
}

// entries returns key/value pairs in a stable order
func (d *DSC) entries() [][2]string {
	out := make([][2]string, 0, 8+len(d.Extra))
	add := func(k, v string) {
		if v != "" {
			out = append(out, [2]string{k, v})
		}
	}
	add("trace_id", d.TraceID)
	add("public_key", d.PublicKey)
	add("sample_rate", d.SampleRate)
	add("release", d.Release)
	add("environment", d.Environment)
	add("transaction", d.Transaction)
	add("user_segment", d.UserSegment)
	add("sampled", d.Sampled)

	keys := make([]string, 0, len(d.Extra))
	for k := range d.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, d.Extra[k])
	}
	return out
}

// ParseBaggage maps sentry- prefixed entries into a DSC and returns the other
// entries untouched. Hyphens inside sentry keys become underscores, values
// are percent-decoded with the raw value kept when decoding fails. A DSC
// without trace_id or public_key is discarded entirely.
func ParseBaggage(header string) (*DSC, []string) {
	dsc := &DSC{}
	var others []string
	found := false

	for _, raw := range splitBaggage(header) {
		key, value, ok := splitEntry(raw)
		if !ok {
			others = append(others, raw)
			continue
		}
		if !strings.HasPrefix(key, sentryPrefix) {
			others = append(others, raw)
			continue
		}

		name := strings.ReplaceAll(strings.TrimPrefix(key, sentryPrefix), "-", "_")
		if name == "" {
			continue
		}
		dsc.set(name, decode(value))
		found = true
	}

	if !found || !dsc.Valid() {
		return nil, others
	}
	return dsc, others
}

// ToBaggage renders the DSC as sentry- prefixed baggage entries
func (d *DSC) ToBaggage() string {
	if d == nil {
		return ""
	}
	entries := d.entries()
	parts := make([]string, 0, len(entries))
	size := 0
	for _, e := range entries {
		part := sentryPrefix + e[0] + "=" + url.PathEscape(e[1])
		if size+len(part)+1 > MaxBaggageSize {
			break
		}
		size += len(part) + 1
		parts = append(parts, part)
	}
	return strings.Join(parts, ",")
}

// MergeBaggageWithDSC replaces every sentry- entry of existing with the
// entries of dsc while keeping third-party entries verbatim and in order.
// A nil or invalid dsc leaves existing unchanged.
func MergeBaggageWithDSC(existing string, dsc *DSC) string {
	if !dsc.Valid() {
		return existing
	}

	kept := make([]string, 0, 4)
	size := 0
	for _, raw := range splitBaggage(existing) {
		if key, _, ok := splitEntry(raw); ok && strings.HasPrefix(key, sentryPrefix) {
			continue
		}
		kept = append(kept, raw)
		size += len(raw) + 1
	}

	sentry := dsc.ToBaggage()
	if sentry != "" && size+len(sentry) <= MaxBaggageSize {
		kept = append(kept, sentry)
	}

	return strings.Join(kept, ",")
}

func splitBaggage(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitEntry splits "key=value;prop" into key and value, dropping properties
func splitEntry(raw string) (string, string, bool) {
	kv := raw
	if i := strings.IndexByte(kv, ';'); i >= 0 {
		kv = kv[:i]
	}
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(kv[:i]), strings.TrimSpace(kv[i+1:]), true
}

func decode(value string) string {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return value
	}
	return decoded
}
