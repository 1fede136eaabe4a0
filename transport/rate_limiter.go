package transport

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/butschster/rr-sentry/event"
	"go.uber.org/zap"
)

const (
	// categoryAll is the wildcard limit applied to every category
	categoryAll event.Category = ""

	defaultRetryAfter = 60 * time.Second
)

// RateLimiter tracks per-category disabled-until deadlines from
// X-Sentry-Rate-Limits and Retry-After response headers
type RateLimiter struct {
	mu     sync.RWMutex
	limits map[event.Category]time.Time
	log    *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates an empty rate limiter
func NewRateLimiter(log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		limits: make(map[event.Category]time.Time),
		log:    log,
		now:    time.Now,
	}
}

// IsRateLimited reports whether category, or every category, is disabled
func (rl *RateLimiter) IsRateLimited(category event.Category) bool {
	return !rl.DisabledUntil(category).IsZero()
}

// DisabledUntil returns the latest active deadline for category, zero when
// the category may send
func (rl *RateLimiter) DisabledUntil(category event.Category) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var until time.Time

	if t, ok := rl.limits[category]; ok && t.After(now) {
		until = t
	}
	if t, ok := rl.limits[categoryAll]; ok && t.After(now) && t.After(until) {
		until = t
	}

	return until
}

// Update applies the rate limit headers of a response. X-Sentry-Rate-Limits
// takes precedence; Retry-After is consulted for 429 responses without it.
func (rl *RateLimiter) Update(statusCode int, headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if h := headers.Get("X-Sentry-Rate-Limits"); h != "" {
		rl.parseRateLimits(h, now)
		return
	}

	if statusCode == http.StatusTooManyRequests {
		rl.parseRetryAfter(headers.Get("Retry-After"), now)
	}
}

// parseRateLimits handles "retry_after:categories:scope:reason_code:namespaces"
// entries separated by commas
func (rl *RateLimiter) parseRateLimits(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		retryAfter := defaultRetryAfter
		if secs, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs * float64(time.Second))
		} else {
			rl.log.Warn("failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
		}
		until := now.Add(retryAfter)

		categories := strings.TrimSpace(parts[1])
		if categories == "" {
			rl.extend(categoryAll, until)
			continue
		}
		for _, c := range strings.Split(categories, ";") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			rl.extend(normalizeCategory(c), until)
		}
	}
}

// parseRetryAfter accepts delay seconds or an HTTP date
func (rl *RateLimiter) parseRetryAfter(header string, now time.Time) {
	header = strings.TrimSpace(header)

	until := now.Add(defaultRetryAfter)
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		until = now.Add(time.Duration(secs) * time.Second)
	} else if t, err := http.ParseTime(header); err == nil {
		until = t
	} else if header != "" {
		rl.log.Warn("failed to parse Retry-After header, using default", zap.String("header", header))
	}

	rl.extend(categoryAll, until)
}

// extend never shortens an active deadline
func (rl *RateLimiter) extend(c event.Category, until time.Time) {
	if cur, ok := rl.limits[c]; ok && cur.After(until) {
		return
	}
	rl.limits[c] = until
	rl.log.Warn("rate limit applied", zap.String("category", categoryName(c)), zap.Time("disabled_until", until))
}

// CleanupExpired removes expired deadlines
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for c, until := range rl.limits {
		if !until.After(now) {
			delete(rl.limits, c)
		}
	}
}

// Status returns a copy of the active deadlines keyed by category name
func (rl *RateLimiter) Status() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	out := make(map[string]time.Time, len(rl.limits))
	for c, until := range rl.limits {
		if until.After(now) {
			out[categoryName(c)] = until
		}
	}
	return out
}

// normalizeCategory converts item types to data categories
func normalizeCategory(c string) event.Category {
	switch c {
	case "event":
		return event.CategoryError
	case "log":
		return event.CategoryLog
	}
	return event.Category(c)
}

func categoryName(c event.Category) string {
	if c == categoryAll {
		return "all"
	}
	return string(c)
}
