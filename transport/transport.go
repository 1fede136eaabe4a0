// Package transport delivers serialized envelopes to the ingestion endpoint
// and classifies the outcome.
package transport

import (
	"context"
	"net/http"

	"github.com/butschster/rr-sentry/event"
	"github.com/roadrunner-server/errors"
)

var (
	// ErrNetwork marks failures where no HTTP response was received,
	// including an open circuit breaker
	ErrNetwork = errors.Str("network error")
	// ErrRateLimited marks requests short-circuited by an active rate limit
	ErrRateLimited = errors.Str("rate limited")
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.Str("transport closed")
)

// Request is a serialized envelope ready to send
type Request struct {
	Body     []byte
	Headers  map[string]string
	Category event.Category
}

// Response is the outcome of a delivered request
type Response struct {
	StatusCode int
	Headers    http.Header
	Reason     string
}

// Transport sends requests. Non-2xx responses are returned without an error;
// callers classify them with IsSuccess and IsPermanent. Flush and Close race
// pending sends against ctx and report whether everything completed.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Flush(ctx context.Context) bool
	Close(ctx context.Context) bool
}

// Connectivity reports whether the endpoint is believed to be reachable
type Connectivity interface {
	Online() bool
}

// IsSuccess reports 2xx
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}

// IsPermanent reports 4xx other than 408 and 429. Such requests are dropped
// without retry.
func IsPermanent(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
