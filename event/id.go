package event

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var idRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewID generates a new event id: a random UUID v4 rendered as 32 lowercase hex chars
func NewID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// IsValidID reports whether id is exactly 32 lowercase hex characters
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeID lower-cases id and strips UUID dashes. When the result is still
// not a valid event id a new one is generated.
func SanitizeID(id string) string {
	if IsValidID(id) {
		return id
	}

	cleaned := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
	if IsValidID(cleaned) {
		return cleaned
	}

	return NewID()
}
