package transport

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// NoopTransport is used when no valid DSN is configured: events are still
// captured locally but nothing leaves the process
type NoopTransport struct {
	log *zap.Logger
}

// NewNoopTransport creates a dry-run transport
func NewNoopTransport(log *zap.Logger) *NoopTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoopTransport{log: log}
}

// Send logs the request and reports success
func (n *NoopTransport) Send(_ context.Context, req *Request) (*Response, error) {
	n.log.Debug("dry-run: would send envelope",
		zap.String("category", string(req.Category)),
		zap.Int("payload_size", len(req.Body)))
	return &Response{StatusCode: http.StatusOK, Reason: "dry-run"}, nil
}

// Flush always succeeds
func (n *NoopTransport) Flush(context.Context) bool { return true }

// Close always succeeds
func (n *NoopTransport) Close(context.Context) bool { return true }

// Online is always true
func (n *NoopTransport) Online() bool { return true }
