package client

import (
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/offline"
	"github.com/butschster/rr-sentry/queue"
	"github.com/butschster/rr-sentry/sampling"
	"github.com/butschster/rr-sentry/scope"
	"github.com/butschster/rr-sentry/storage"
	"github.com/butschster/rr-sentry/transport"
)

const (
	SDKName    = "rr-sentry.go"
	SDKVersion = "1.0.0"

	DefaultClientReportInterval = 30 * time.Second
	DefaultReplayInterval       = 30 * time.Second
	rateLimitCleanupInterval    = time.Minute
)

// BeforeSendFunc may modify the event or return nil to drop it
type BeforeSendFunc func(ev *event.Event, hint *event.Hint) *event.Event

// BeforeBreadcrumbFunc may modify the breadcrumb or return nil to drop it
type BeforeBreadcrumbFunc func(b *event.Breadcrumb, hint *event.Hint) *event.Breadcrumb

// Options configures a Client
type Options struct {
	DSN         string
	Environment string
	Release     string
	Dist        string
	ServerName  string

	// SampleRate applies to error events, 1.0 when nil
	SampleRate       *float64
	TracesSampleRate float64
	TracesSampler    sampling.TracesSampler

	AttachStacktrace     bool
	TemplateAwareCapture bool
	MaxBreadcrumbs       int

	BeforeSend            BeforeSendFunc
	BeforeSendTransaction BeforeSendFunc
	BeforeBreadcrumb      BeforeBreadcrumbFunc

	// FingerprintRules apply to events without an explicit fingerprint
	FingerprintRules []string

	// Transport replaces the HTTP transport built from DSN
	Transport transport.Transport
	HTTP      transport.HTTPOptions

	// Storage receives a copy of every event that passed sampling
	Storage storage.Storage

	Queue queue.Options

	// OfflineEnabled parks undeliverable requests in OfflineStore, in memory
	// when no store is given
	OfflineEnabled        bool
	OfflineStore          offline.Store
	Offline               offline.Options
	OfflineReplayInterval time.Duration

	// ClientReportInterval is the period of client report delivery, negative
	// disables client reports
	ClientReportInterval time.Duration

	// Random drives sampling decisions, math/rand/v2 by default
	Random func() float64
}

func (o *Options) initDefaults() {
	if o.SampleRate == nil {
		rate := 1.0
		o.SampleRate = &rate
	}
	if o.MaxBreadcrumbs <= 0 {
		o.MaxBreadcrumbs = scope.DefaultMaxBreadcrumbs
	}
	if o.ClientReportInterval == 0 {
		o.ClientReportInterval = DefaultClientReportInterval
	}
	if o.OfflineReplayInterval <= 0 {
		o.OfflineReplayInterval = DefaultReplayInterval
	}
}
