package scope

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxTagKeyLength   = 32
	MaxTagValueLength = 200
)

// reservedTags shadow top level event attributes in the issue view
var reservedTags = map[string]struct{}{
	"level":       {},
	"environment": {},
	"release":     {},
	"user":        {},
	"transaction": {},
	"dist":        {},
	"server_name": {},
}

// IsReservedTag reports whether key collides with a built-in event attribute
func IsReservedTag(key string) bool {
	_, ok := reservedTags[key]
	return ok
}

// SanitizeTagKey replaces characters outside [A-Za-z0-9_.:-] with '_' and
// truncates to MaxTagKeyLength. It returns false for keys that are empty
// after trimming.
func SanitizeTagKey(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	var b strings.Builder
	b.Grow(min(len(key), MaxTagKeyLength))
	n := 0
	for _, r := range key {
		if n == MaxTagKeyLength {
			break
		}
		if isTagKeyRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		n++
	}
	return b.String(), true
}

// SanitizeTagValue truncates v to MaxTagValueLength runes and drops newlines
func SanitizeTagValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.NewReplacer("\n", " ", "\r", " ").Replace(v)
	if utf8.RuneCountInString(v) <= MaxTagValueLength {
		return v
	}
	r := []rune(v)
	return string(r[:MaxTagValueLength])
}

func isTagKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == ':' || r == '-':
		return true
	}
	return false
}
