package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butschster/rr-sentry/envelope"
	"github.com/klauspost/compress/gzip"
	"github.com/roadrunner-server/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	// DefaultUserAgent identifies the SDK in User-Agent and X-Sentry-Auth
	DefaultUserAgent = "rr-sentry/1.0.0"

	defaultTimeout         = 30 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	maxResponseBody        = 64 << 10
)

// HTTPOptions configures HTTPTransport
type HTTPOptions struct {
	Timeout     time.Duration
	Compression bool
	SSLVerify   bool
	Proxy       string
	UserAgent   string
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit breaker
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing
	BreakerTimeout time.Duration
	// Client replaces the default http.Client, used by tests
	Client *http.Client
}

// HTTPTransport posts envelopes to the DSN's envelope endpoint
type HTTPTransport struct {
	dsn       *DSN
	opts      HTTPOptions
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	limiter   *RateLimiter
	log       *zap.Logger
	userAgent string

	pending sync.WaitGroup
	closed  atomic.Bool
}

// NewHTTPTransport creates a transport for dsn
func NewHTTPTransport(dsn *DSN, opts HTTPOptions, log *zap.Logger) (*HTTPTransport, error) {
	const op = errors.Op("transport_new_http")

	if dsn == nil {
		return nil, errors.E(op, ErrInvalidDSN)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaultBreakerTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	client := opts.Client
	if client == nil {
		tr := &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: !opts.SSLVerify, //nolint:gosec
			},
		}
		if opts.Proxy != "" {
			proxyURL, err := url.Parse(opts.Proxy)
			if err != nil {
				return nil, errors.E(op, fmt.Errorf("invalid proxy URL: %w", err))
			}
			tr.Proxy = http.ProxyURL(proxyURL)
		}
		client = &http.Client{Transport: tr, Timeout: opts.Timeout}
	}

	t := &HTTPTransport{
		dsn:       dsn,
		opts:      opts,
		client:    client,
		limiter:   NewRateLimiter(log),
		log:       log,
		userAgent: opts.UserAgent,
	}

	failures := opts.BreakerFailures
	t.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "sentry-" + dsn.Host,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("transport circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return t, nil
}

// Send posts req. Requests whose category is rate limited are not sent and
// return ErrRateLimited. Failures without a response wrap ErrNetwork.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	if until := t.limiter.DisabledUntil(req.Category); !until.IsZero() {
		t.log.Debug("request rate limited",
			zap.String("category", string(req.Category)),
			zap.Time("disabled_until", until))
		return &Response{StatusCode: http.StatusTooManyRequests, Reason: "ratelimit_backoff"}, ErrRateLimited
	}

	t.pending.Add(1)
	defer t.pending.Done()

	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		r, err := t.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if resp == nil {
		if stderr.Is(err, gobreaker.ErrOpenState) || stderr.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrNetwork)
		}
		t.log.Warn("envelope request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	t.limiter.Update(resp.StatusCode, resp.Header)

	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Reason: resp.Status}
	if IsSuccess(resp.StatusCode) {
		t.log.Debug("envelope sent", zap.Int("status_code", resp.StatusCode))
		return out, nil
	}

	t.log.Warn("envelope rejected",
		zap.Int("status_code", resp.StatusCode),
		zap.String("response", string(body)))
	if len(body) > 0 {
		out.Reason = string(body)
	}
	return out, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	const op = errors.Op("transport_new_request")

	body := req.Body
	encoding := ""
	if t.opts.Compression {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, errors.E(op, fmt.Errorf("failed to compress payload: %w", err))
		}
		if err := zw.Close(); err != nil {
			return nil, errors.E(op, fmt.Errorf("failed to close gzip writer: %w", err))
		}
		body = buf.Bytes()
		encoding = "gzip"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.dsn.EnvelopeURL(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.E(op, err)
	}

	httpReq.Header.Set("Content-Type", envelope.ContentType)
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set("X-Sentry-Auth", t.dsn.AuthHeader(t.userAgent, time.Now()))
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// Online reports whether the circuit breaker lets requests through
func (t *HTTPTransport) Online() bool {
	return t.breaker.State() != gobreaker.StateOpen
}

// RateLimiter exposes the limiter for status reporting and cleanup
func (t *HTTPTransport) RateLimiter() *RateLimiter {
	return t.limiter
}

// Flush waits for in-flight sends
func (t *HTTPTransport) Flush(ctx context.Context) bool {
	return waitGroup(ctx, &t.pending)
}

// Close stops accepting sends and waits for in-flight ones
func (t *HTTPTransport) Close(ctx context.Context) bool {
	if !t.closed.CompareAndSwap(false, true) {
		return true
	}
	ok := t.Flush(ctx)
	t.client.CloseIdleConnections()
	return ok
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
