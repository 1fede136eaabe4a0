// Package client runs the capture pipeline: build, scope enrichment,
// fingerprinting, sampling, queueing and delivery.
package client

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butschster/rr-sentry/builder"
	"github.com/butschster/rr-sentry/envelope"
	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/fingerprint"
	"github.com/butschster/rr-sentry/offline"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/butschster/rr-sentry/queue"
	"github.com/butschster/rr-sentry/sampling"
	"github.com/butschster/rr-sentry/scope"
	"github.com/butschster/rr-sentry/storage"
	"github.com/butschster/rr-sentry/transport"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClientClosed is reported when events are captured after Close
var ErrClientClosed = errors.Str("client is closed")

// Client owns the capture pipeline. It is safe for concurrent use.
type Client struct {
	opts Options
	log  *zap.Logger
	dsn  *transport.DSN
	sdk  *event.SdkInfo

	scopes    *scope.Manager
	sampler   *sampling.Sampler
	queue     *queue.EventQueue
	transport transport.Transport
	http      *transport.HTTPTransport
	offline   *offline.Transport
	storage   storage.Storage
	hooks     *Hooks
	drops     *DropRecorder
	tasks     *Scheduler

	// dynamic sampling contexts of queued events, keyed by event id
	dscMu sync.Mutex
	dsc   map[string]*propagation.DSC

	closed    atomic.Bool
	closeOnce sync.Once
	closeOK   bool
	cancel    context.CancelFunc
}

// New builds a client and starts its background flushing. An invalid DSN is
// logged and degrades the client to local-only capture.
func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	opts.initDefaults()

	c := &Client{
		opts:    opts,
		log:     log,
		storage: opts.Storage,
		hooks:   newHooks(log),
		drops:   NewDropRecorder(),
		tasks:   newScheduler(log),
		dsc:     make(map[string]*propagation.DSC),
		sdk: &event.SdkInfo{
			Name:    SDKName,
			Version: SDKVersion,
			Packages: []event.SdkPackage{
				{Name: "go:github.com/butschster/rr-sentry", Version: SDKVersion},
			},
		},
	}

	if opts.ServerName == "" {
		if host, err := os.Hostname(); err == nil {
			c.opts.ServerName = host
		}
	}

	c.scopes = scope.NewManager(opts.MaxBreadcrumbs, log.Named("scope"))
	c.sampler = sampling.NewSampler(sampling.Options{
		SampleRate:       *opts.SampleRate,
		TracesSampleRate: opts.TracesSampleRate,
		TracesSampler:    opts.TracesSampler,
		Random:           opts.Random,
	}, log.Named("sampler"))
	c.transport = c.newTransport()

	qopts := opts.Queue
	qopts.OnDrop = func(reason event.DiscardReason, ev *event.Event) {
		c.takeDSC(ev.EventID)
		c.recordDrop(reason, ev, event.CategoryOf(ev), 1)
	}
	c.queue = queue.New(qopts, log.Named("queue"))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if c.storage != nil {
		if err := c.storage.Init(ctx); err != nil {
			c.log.Error("failed to init storage", zap.Error(err))
		}
	}

	c.queue.Start(ctx, c.send)
	if opts.ClientReportInterval > 0 {
		c.tasks.Every("client_reports", opts.ClientReportInterval, c.sendClientReport)
	}
	if c.http != nil {
		limiter := c.http.RateLimiter()
		c.tasks.Every("rate_limit_cleanup", rateLimitCleanupInterval, func(context.Context) {
			limiter.CleanupExpired()
		})
	}
	if c.offline != nil {
		c.offline.StartReplay(ctx, opts.OfflineReplayInterval)
	}

	return c
}

func (c *Client) newTransport() transport.Transport {
	if c.opts.DSN != "" {
		dsn, err := transport.ParseDSN(c.opts.DSN)
		if err != nil {
			c.log.Error("invalid DSN, sending disabled", zap.Error(err))
		} else {
			c.dsn = dsn
		}
	}

	var inner transport.Transport
	switch {
	case c.opts.Transport != nil:
		inner = c.opts.Transport
	case c.dsn == nil:
		c.log.Info("no usable DSN, events are captured locally only")
		inner = transport.NewNoopTransport(c.log.Named("transport"))
	default:
		ht, err := transport.NewHTTPTransport(c.dsn, c.opts.HTTP, c.log.Named("transport"))
		if err != nil {
			c.log.Error("failed to create HTTP transport, sending disabled", zap.Error(err))
			inner = transport.NewNoopTransport(c.log.Named("transport"))
			break
		}
		c.http = ht
		inner = ht
	}

	if !c.opts.OfflineEnabled {
		return inner
	}

	oopts := c.opts.Offline
	oopts.OnDrop = func(reason event.DiscardReason, req offline.QueuedRequest) {
		c.recordDrop(reason, nil, req.Category, 1)
	}
	q := offline.NewQueue(c.opts.OfflineStore, oopts, c.log.Named("offline"))
	q.Load(context.Background())

	c.offline = offline.NewTransport(inner, q, c.log.Named("offline"))
	return c.offline
}

// Options returns the effective options
func (c *Client) Options() Options {
	return c.opts
}

// Scopes exposes the scope manager
func (c *Client) Scopes() *scope.Manager {
	return c.scopes
}

// Hooks exposes the lifecycle hooks
func (c *Client) Hooks() *Hooks {
	return c.hooks
}

// Sampler exposes the sampler and its statistics
func (c *Client) Sampler() *sampling.Sampler {
	return c.sampler
}

// Storage returns the debug storage, nil when none is configured
func (c *Client) Storage() storage.Storage {
	return c.storage
}

// ConfigureScope runs fn against the current scope of ctx
func (c *Client) ConfigureScope(ctx context.Context, fn func(s *scope.Scope)) {
	fn(c.scopes.CurrentScope(ctx))
}

func (c *Client) builderOptions() builder.Options {
	return builder.Options{
		AttachStacktrace: c.opts.AttachStacktrace,
		TemplateAware:    c.opts.TemplateAwareCapture,
		SkipFrames:       1,
	}
}

// CaptureException captures err with its cause chain
func (c *Client) CaptureException(ctx context.Context, err error, cc ...scope.CaptureContext) string {
	ev := builder.EventFromException(err, c.builderOptions())
	return c.CaptureEvent(ctx, ev, &event.Hint{OriginalException: err}, cc...)
}

// CaptureValue captures any thrown value: errors, strings, or Error-shaped
// maps with name, message, stack and cause entries as sent by workers
func (c *Client) CaptureValue(ctx context.Context, v any, cc ...scope.CaptureContext) string {
	ev := builder.EventFromException(v, c.builderOptions())
	_, isErr := v.(error)
	return c.CaptureEvent(ctx, ev, &event.Hint{OriginalException: v, SyntheticException: !isErr}, cc...)
}

// CaptureMessage captures a message. With template-aware capture the raw
// template groups every rendering of it.
func (c *Client) CaptureMessage(ctx context.Context, template string, params []any, cc ...scope.CaptureContext) string {
	ev := builder.EventFromMessage(template, params, event.LevelInfo, c.builderOptions())
	return c.CaptureEvent(ctx, ev, nil, cc...)
}

// Recover captures a recovered panic value as a fatal, unhandled event. It
// returns an empty id for a nil value.
func (c *Client) Recover(ctx context.Context, recovered any, cc ...scope.CaptureContext) string {
	if recovered == nil {
		return ""
	}
	ev := builder.EventFromPanic(recovered, c.builderOptions())
	return c.CaptureEvent(ctx, ev, &event.Hint{OriginalException: recovered}, cc...)
}

// AddBreadcrumb records b on the isolation scope of ctx after BeforeBreadcrumb
func (c *Client) AddBreadcrumb(ctx context.Context, b event.Breadcrumb, hint *event.Hint) {
	if c.opts.BeforeBreadcrumb != nil {
		out, ok := c.beforeBreadcrumb(&b, hint)
		if !ok || out == nil {
			c.log.Debug("breadcrumb dropped by before_breadcrumb")
			return
		}
		b = *out
	}
	c.scopes.AddBreadcrumb(ctx, b)
}

func (c *Client) beforeBreadcrumb(b *event.Breadcrumb, hint *event.Hint) (out *event.Breadcrumb, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("before_breadcrumb panicked", zap.String("panic", fmt.Sprint(r)))
			out, ok = b, true
		}
	}()
	return c.opts.BeforeBreadcrumb(b, hint), true
}

// CaptureEvent runs ev through the pipeline and returns its id. The id is
// returned even when the event is dropped or the client is closed.
func (c *Client) CaptureEvent(ctx context.Context, ev *event.Event, hint *event.Hint, cc ...scope.CaptureContext) string {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev == nil {
		ev = event.New(event.LevelError)
	}
	if hint == nil {
		hint = &event.Hint{}
	}

	ev.EventID = event.SanitizeID(ev.EventID)
	hint.EventID = ev.EventID
	id := ev.EventID

	if c.closed.Load() {
		c.log.Debug("event captured after close", zap.String("event_id", id), zap.Error(ErrClientClosed))
		return id
	}

	c.hooks.Emit(OnCapture, HookPayload{Event: ev, Hint: hint})

	c.prepare(ev, hint)
	category := event.CategoryOf(ev)

	ev, reason := c.scopes.ApplyToEvent(ctx, ev, hint, c.scopes.Fork(ctx, cc...))
	if reason != "" {
		c.recordDrop(reason, nil, category, 1)
		return id
	}
	// processors may have replaced the event
	ev.EventID = id

	c.applyFingerprint(ev)

	if !c.sample(ctx, ev) {
		c.recordDrop(event.ReasonSampleRate, ev, event.CategoryOf(ev), 1)
		return id
	}

	c.hooks.Emit(OnBeforeSend, HookPayload{Event: ev, Hint: hint})

	ev, reason = c.beforeSend(ev, hint)
	if reason != "" {
		c.recordDrop(reason, nil, category, 1)
		return id
	}
	ev.EventID = id

	c.validateAttachments(ev)
	c.store(ctx, ev)

	c.rememberDSC(id, c.dynamicSamplingContext(ctx, ev))
	if err := c.queue.Enqueue(ev.Clone(), queue.PriorityFor(ev)); err != nil {
		c.takeDSC(id)
		c.log.Debug("event not queued", zap.String("event_id", id), zap.Error(err))
	}

	return id
}

// prepare fills SDK level defaults the event does not set itself
func (c *Client) prepare(ev *event.Event, hint *event.Hint) {
	if ev.Timestamp == 0 {
		ev.Timestamp = event.Timestamp(time.Now())
	}
	if ev.Platform == "" {
		ev.Platform = "go"
	}
	if ev.Environment == "" {
		ev.Environment = c.opts.Environment
	}
	if ev.Release == "" {
		ev.Release = c.opts.Release
	}
	if ev.Dist == "" {
		ev.Dist = c.opts.Dist
	}
	if ev.ServerName == "" {
		ev.ServerName = c.opts.ServerName
	}
	if ev.Sdk == nil {
		sdk := *c.sdk
		ev.Sdk = &sdk
	}
	if len(hint.Attachments) > 0 {
		ev.Attachments = append(ev.Attachments, hint.Attachments...)
	}
}

// applyFingerprint resolves {{ default }} in an explicit fingerprint, or
// computes one and applies the configured rules
func (c *Client) applyFingerprint(ev *event.Event) {
	explicit := ev.Fingerprint
	ev.Fingerprint = nil
	computed := fingerprint.Compute(ev)

	if len(explicit) > 0 {
		ev.Fingerprint = fingerprint.ApplyRules(explicit, ev, computed)
		return
	}
	ev.Fingerprint = fingerprint.ApplyRules(c.opts.FingerprintRules, ev, computed)
}

// sample decides error events by SampleRate. Transactions carry the decision
// made when they started, or are decided here when captured directly.
func (c *Client) sample(ctx context.Context, ev *event.Event) bool {
	if !ev.IsTransaction() {
		return c.sampler.ShouldSampleError()
	}

	if tc, ok := ev.Contexts["trace"].(map[string]any); ok {
		if s, ok := tc["sampled"].(string); ok {
			return s == "true"
		}
	}

	pc := c.scopes.PropagationContext(ctx)
	return c.sampler.ShouldSampleTransaction(samplingContext(ev.Transaction, pc, nil)).Sampled
}

func (c *Client) beforeSend(ev *event.Event, hint *event.Hint) (out *event.Event, reason event.DiscardReason) {
	fn := c.opts.BeforeSend
	if ev.IsTransaction() {
		fn = c.opts.BeforeSendTransaction
	}
	if fn == nil {
		return ev, ""
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("before_send panicked", zap.String("event_id", ev.EventID), zap.String("panic", fmt.Sprint(r)))
			out, reason = ev, ""
		}
	}()

	if out = fn(ev, hint); out == nil {
		c.log.Debug("event dropped by before_send", zap.String("event_id", ev.EventID))
		return nil, event.ReasonBeforeSend
	}
	return out, ""
}

func (c *Client) validateAttachments(ev *event.Event) {
	if len(ev.Attachments) == 0 {
		return
	}
	kept, err := envelope.ValidateAttachments(ev.Attachments)
	if err != nil {
		c.log.Warn("attachments rejected", zap.String("event_id", ev.EventID), zap.Error(err))
		c.recordDrop(event.ReasonInternalError, nil, event.CategoryAttachment, len(ev.Attachments)-len(kept))
	}
	ev.Attachments = kept
}

// store copies ev into the debug storage. Failures are logged only.
func (c *Client) store(ctx context.Context, ev *event.Event) {
	if c.storage == nil {
		return
	}

	var err error
	if ev.IsTransaction() {
		err = c.storage.SaveTransaction(ctx, ev)
	} else {
		err = c.storage.SaveSentryEvent(ctx, ev)
	}
	if err != nil {
		c.log.Warn("failed to store event", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

// dynamicSamplingContext returns the frozen DSC of the trace, or a head DSC
// built from this SDK's configuration when the trace started here
func (c *Client) dynamicSamplingContext(ctx context.Context, ev *event.Event) *propagation.DSC {
	pc := c.scopes.PropagationContext(ctx)
	if pc.DSC != nil {
		return pc.DSC.Clone()
	}
	if c.dsn == nil {
		return nil
	}

	traceID := storage.TraceIDOf(ev)
	if traceID == "" {
		traceID = pc.TraceID
	}

	dsc := &propagation.DSC{
		TraceID:     traceID,
		PublicKey:   c.dsn.PublicKey,
		Release:     c.opts.Release,
		Environment: c.opts.Environment,
	}
	if ev.IsTransaction() {
		dsc.Transaction = ev.Transaction
		dsc.SampleRate = formatRate(c.sampler.TracesSampleRate())
		dsc.Sampled = "true"
	}
	return dsc
}

func (c *Client) rememberDSC(id string, dsc *propagation.DSC) {
	if dsc == nil {
		return
	}
	c.dscMu.Lock()
	c.dsc[id] = dsc
	c.dscMu.Unlock()
}

func (c *Client) takeDSC(id string) *propagation.DSC {
	c.dscMu.Lock()
	defer c.dscMu.Unlock()

	dsc := c.dsc[id]
	delete(c.dsc, id)
	return dsc
}

// send is the queue's sender: envelope assembly and delivery of one event
func (c *Client) send(ctx context.Context, ev *event.Event) (*transport.Response, error) {
	const op = errors.Op("client_send")

	opts := envelope.Options{SDK: c.sdk}
	if c.dsn != nil {
		opts.DSN = c.dsn.String()
	}

	c.dscMu.Lock()
	opts.Trace = c.dsc[ev.EventID]
	c.dscMu.Unlock()

	env, err := envelope.FromEvent(ev, opts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	body, err := env.Serialize()
	if err != nil {
		return nil, errors.E(op, err)
	}

	resp, err := c.transport.Send(ctx, &transport.Request{Body: body, Category: env.Category()})
	if err == nil && resp != nil && (transport.IsSuccess(resp.StatusCode) || transport.IsPermanent(resp.StatusCode)) {
		c.takeDSC(ev.EventID)
	}
	return resp, err
}

// sendClientReport delivers the pending drop counters outside the event
// queue. Undeliverable reports are restored.
func (c *Client) sendClientReport(ctx context.Context) {
	report, ok := c.drops.Take()
	if !ok {
		return
	}

	header := envelope.Header{SDK: c.sdk}
	if c.dsn != nil {
		header.DSN = c.dsn.String()
	}
	env := envelope.New(header)
	if err := env.AddClientReport(report); err != nil {
		c.log.Error("failed to encode client report", zap.Error(err))
		return
	}
	body, err := env.Serialize()
	if err != nil {
		c.log.Error("failed to serialize client report", zap.Error(err))
		return
	}

	resp, err := c.transport.Send(ctx, &transport.Request{Body: body, Category: envelope.TypeClientReport.Category()})
	if err != nil || resp == nil || !transport.IsSuccess(resp.StatusCode) {
		c.log.Debug("client report not delivered", zap.Error(err))
		c.drops.Restore(report)
	}
}

// recordDrop counts a drop for client reports and notifies OnDrop listeners
func (c *Client) recordDrop(reason event.DiscardReason, ev *event.Event, category event.Category, quantity int) {
	if quantity <= 0 {
		return
	}
	c.drops.Record(reason, category, quantity)
	c.hooks.Emit(OnDrop, HookPayload{Event: ev, Reason: reason})
}

// Drops exposes the drop recorder
func (c *Client) Drops() *DropRecorder {
	return c.drops
}

// Flush sends every queued event and waits for the transport. It returns
// false when ctx expired first or events are left for a later retry.
func (c *Client) Flush(ctx context.Context) bool {
	ok := c.queue.Flush(ctx, c.send)
	c.sendClientReport(ctx)
	ok = c.transport.Flush(ctx) && ok

	c.hooks.Emit(OnFlush, HookPayload{Success: ok})
	return ok
}

// Close disables capture, cancels scheduled tasks, drains the queue and
// closes the transport and storage. Later calls return the first result.
func (c *Client) Close(ctx context.Context) bool {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.hooks.Emit(OnClose, HookPayload{})

		c.tasks.CancelAll()
		c.cancel()

		ok := c.queue.Close(ctx, c.send)
		c.sendClientReport(ctx)

		var transportOK atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			transportOK.Store(c.transport.Close(gctx))
			return nil
		})
		if c.storage != nil {
			g.Go(func() error {
				return c.storage.Close(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			c.log.Warn("failed to close storage", zap.Error(err))
		}

		c.closeOK = ok && transportOK.Load()
		c.log.Debug("client closed", zap.Bool("drained", c.closeOK))
	})
	return c.closeOK
}

// Stats is a point-in-time view of the pipeline
type Stats struct {
	Queue       queue.Metrics
	OfflineLen  int
	Online      bool
	Sampling    sampling.Snapshot
	Drops       map[event.DiscardReason]map[event.Category]uint64
	RateLimited map[string]int64
}

// Stats returns the current pipeline counters
func (c *Client) Stats() Stats {
	st := Stats{
		Queue:    c.queue.Metrics(),
		Online:   true,
		Sampling: c.sampler.Stats().Snapshot(),
		Drops:    c.drops.Totals(),
	}
	if c.offline != nil {
		st.OfflineLen = c.offline.Queue().Len()
		st.Online = c.offline.Online()
	} else if conn, ok := c.transport.(transport.Connectivity); ok {
		st.Online = conn.Online()
	}
	if c.http != nil {
		st.RateLimited = make(map[string]int64)
		for cat, until := range c.http.RateLimiter().Status() {
			st.RateLimited[cat] = until.Unix()
		}
	}
	return st
}
