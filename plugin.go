// Package sentry is a RoadRunner plugin that captures errors, messages and
// transactions from workers and delivers them to a Sentry compatible server.
package sentry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/butschster/rr-sentry/client"
	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/scope"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const PluginName = "sentry"

// Plugin represents the main plugin structure
type Plugin struct {
	mu      sync.Mutex
	serving atomic.Bool
	config  *Config
	logger  *zap.Logger
	hub     *client.Hub
	metrics *metricsCollector

	// Lifecycle
	stopCh chan struct{}
	doneCh chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Capturer is provided to other plugins
type Capturer interface {
	CaptureException(ctx context.Context, err error, cc ...scope.CaptureContext) string
	CaptureMessage(ctx context.Context, template string, params []any, cc ...scope.CaptureContext) string
	CaptureEvent(ctx context.Context, ev *event.Event, hint *event.Hint, cc ...scope.CaptureContext) string
	AddBreadcrumb(ctx context.Context, b event.Breadcrumb)
	Flush(ctx context.Context) bool
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_plugin_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.ApplyEnv(); err != nil {
		return errors.E(op, err)
	}
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.IsEnabled() {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName).WithOptions(zap.IncreaseLevel(config.LogLevel()))
	p.hub = client.NewHub()
	p.metrics = newMetricsCollector(p.stats)

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("sentry plugin initialized",
		zap.Bool("dsn_configured", config.DSN != ""),
		zap.String("environment", config.Environment),
		zap.Int("queue_max_size", config.Queue.MaxSize),
		zap.Bool("offline", config.Offline.Enabled))

	return nil
}

// Serve starts the client
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.config == nil {
		errCh <- errors.E(errors.Op("sentry_plugin_serve"), errors.Str("plugin not initialized"))
		return errCh
	}

	c := p.hub.Init(context.Background(), p.config.ClientOptions(), p.logger)
	c.Hooks().On(client.OnDrop, func(hp client.HookPayload) {
		p.logger.Debug("event dropped", zap.String("reason", string(hp.Reason)))
	})

	p.serving.Store(true)
	go func() {
		defer close(p.doneCh)
		<-p.stopCh
		p.logger.Info("sentry plugin stopping")
	}()

	p.logger.Info("sentry plugin started")
	return errCh
}

// Stop drains the queue within ctx and closes the client
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopCh != nil {
		select {
		case <-p.stopCh:
		default:
			close(p.stopCh)
		}
	}
	p.mu.Unlock()

	if !p.serving.Load() {
		return nil
	}

	if !p.hub.Reset(ctx) {
		p.logger.Warn("sentry plugin stopped before every event was delivered")
	}

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.logger.Warn("plugin stop timed out")
		return ctx.Err()
	}
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Capturer)(nil), p.Capturer),
	}
}

// Capturer returns the capture API. Calls made before Serve or after Stop
// return event ids without sending anything.
func (p *Plugin) Capturer() Capturer {
	return p.hub
}

// MetricsCollector implements the metrics plugin contract
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}

// Client returns the running client or nil
func (p *Plugin) Client() *client.Client {
	if p.hub == nil {
		return nil
	}
	return p.hub.Client()
}

// stats returns the client statistics, false before Serve or after Stop
func (p *Plugin) stats() (client.Stats, bool) {
	c := p.Client()
	if c == nil {
		return client.Stats{}, false
	}
	return c.Stats(), true
}
