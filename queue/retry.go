package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts       = 3
	DefaultInitialBackoff    = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxBackoff        = 30 * time.Second
)

// RetryPolicy decides how often a failed event is retried and how long the
// periodic flush waits after failing flushes
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// Random returns a value in [0,1) used for jitter
	Random func() float64
}

// DefaultRetryPolicy returns 3 attempts with 1s..30s exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    DefaultInitialBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxBackoff:        DefaultMaxBackoff,
	}
}

func (p *RetryPolicy) initDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.Random == nil {
		p.Random = rand.Float64
	}
}

// ShouldRetry reports whether an item that already failed retryCount times
// gets another attempt
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxAttempts
}

// Backoff returns the delay before the given attempt: exponential growth
// with +-25% jitter, capped at MaxBackoff
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p.initDefaults()

	if attempt <= 0 {
		return p.InitialBackoff
	}

	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	jitter := backoff * 0.25 * (2*p.Random() - 1)
	backoff += jitter

	if backoff >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}

	return time.Duration(backoff)
}
