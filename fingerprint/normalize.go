package fingerprint

import (
	"regexp"
	"strings"
)

// Placeholder tokens substituted for per-occurrence data
const (
	TokenUUID      = "<uuid>"
	TokenEmail     = "<email>"
	TokenURL       = "<url>"
	TokenIP        = "<ip>"
	TokenTimestamp = "<timestamp>"
	TokenPath      = "<path>"
	TokenHex       = "<hex>"
	TokenID        = "<id>"
)

type replacement struct {
	re    *regexp.Regexp
	token string
}

// replacements run in order: the more specific shapes first so a UUID is not
// eaten by the hex rule and a URL is not split into email, path and host pieces.
var replacements = []replacement{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), TokenUUID},
	{regexp.MustCompile(`(?i)\b(?:https?|wss?|ftp)://[^\s"'<>)]+`), TokenURL},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), TokenEmail},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+\-]\d{2}:?\d{2})?\b`), TokenTimestamp},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), TokenTimestamp},
	{regexp.MustCompile(`\b1[0-9]{9}(?:[0-9]{3})?\b`), TokenTimestamp},
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)(?::\d+)?\b`), TokenIP},
	{regexp.MustCompile(`(?i)\b(?:[0-9a-f]{1,4}:){7}[0-9a-f]{1,4}\b`), TokenIP},
	{regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[\w.\-]+[\\/])+[\w.\-]+\.[A-Za-z0-9]{1,6}\b`), TokenPath},
	{regexp.MustCompile(`(?i)\b(?:0x)?[0-9a-f]*[a-f][0-9a-f]*\b`), ""},
	{regexp.MustCompile(`\b\d{4,}\b`), TokenID},
}

// hexIDRegex is checked per match: only tokens of 8+ chars mixing digits and
// letters count as ids, plain words made of a-f letters must survive.
var hexIDRegex = regexp.MustCompile(`(?i)^(?:0x)?[0-9a-f]{8,}$`)
var digitRegex = regexp.MustCompile(`\d`)

var spaceRegex = regexp.MustCompile(`\s+`)

// NormalizeMessage replaces dynamic data (UUIDs, emails, URLs, timestamps,
// IPs, file paths, long hex and numeric ids) with placeholder tokens so two
// occurrences of the same logical error produce the same string.
func NormalizeMessage(msg string) string {
	out := msg
	for _, r := range replacements {
		if r.token == "" {
			out = r.re.ReplaceAllStringFunc(out, replaceHex)
			continue
		}
		out = r.re.ReplaceAllString(out, r.token)
	}
	return strings.TrimSpace(spaceRegex.ReplaceAllString(out, " "))
}

func replaceHex(s string) string {
	if hexIDRegex.MatchString(s) && digitRegex.MatchString(s) {
		return TokenHex
	}
	return s
}

// genericMessages are values that carry no grouping signal on their own
var genericMessages = map[string]struct{}{
	"error":                 {},
	"unknown error":         {},
	"undefined":             {},
	"null":                  {},
	"script error.":         {},
	"script error":          {},
	"[object object]":       {},
	"an error occurred":     {},
	"an error occurred.":    {},
	"something went wrong":  {},
	"internal server error": {},
	"network error":         {},
	"failed to fetch":       {},
	"load failed":           {},
	"exception":             {},
	"unknown":               {},
}

// IsGenericMessage reports whether msg is in the generic-message denylist
func IsGenericMessage(msg string) bool {
	_, ok := genericMessages[strings.ToLower(strings.TrimSpace(msg))]
	return ok
}
