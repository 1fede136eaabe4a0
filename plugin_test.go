package sentry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/butschster/rr-sentry/client"
	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/butschster/rr-sentry/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/roadrunner-server/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testConfigurer struct {
	cfg *Config
}

func (c *testConfigurer) UnmarshalKey(_ string, out any) error {
	*out.(*Config) = *c.cfg
	return nil
}

func (c *testConfigurer) Has(string) bool {
	return c.cfg != nil
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) NamedLogger(name string) *zap.Logger {
	return zaptest.NewLogger(l.t).Named(name)
}

func servePlugin(t *testing.T, cfg *Config) *Plugin {
	t.Helper()

	p := &Plugin{}
	require.NoError(t, p.Init(&testConfigurer{cfg: cfg}, testLogger{t}))

	errCh := p.Serve()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	default:
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func debugConfig() *Config {
	return &Config{
		Environment:          "test",
		ClientReportInterval: -1,
		Queue:                QueueConfig{FlushInterval: time.Hour},
		DebugStorage:         DebugStorageConfig{Enabled: true},
	}
}

func storedEvents(t *testing.T, p *Plugin) []*event.Event {
	t.Helper()
	evs, err := p.Client().Storage().GetSentryEvents(context.Background(), storage.Filter{})
	require.NoError(t, err)
	return evs
}

func TestPlugin_DisabledWithoutSection(t *testing.T) {
	p := &Plugin{}
	err := p.Init(&testConfigurer{}, testLogger{t})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Disabled, err))
}

func TestPlugin_DisabledByConfig(t *testing.T) {
	p := &Plugin{}
	err := p.Init(&testConfigurer{cfg: &Config{Enabled: ptrTo(false)}}, testLogger{t})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Disabled, err))
}

func TestPlugin_InvalidConfig(t *testing.T) {
	p := &Plugin{}
	err := p.Init(&testConfigurer{cfg: &Config{SampleRate: ptrTo(2.0)}}, testLogger{t})
	require.Error(t, err)
	assert.False(t, errors.Is(errors.Disabled, err))
}

func TestPlugin_ServeBeforeInit(t *testing.T) {
	p := &Plugin{}
	err := <-p.Serve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}

func TestPlugin_Lifecycle(t *testing.T) {
	p := &Plugin{}
	require.NoError(t, p.Init(&testConfigurer{cfg: debugConfig()}, testLogger{t}))
	assert.Equal(t, PluginName, p.Name())
	assert.Len(t, p.Provides(), 1)

	capturer := p.Capturer()
	assert.Regexp(t, `^[a-f0-9]{32}$`, capturer.CaptureMessage(context.Background(), "before serve", nil))

	p.Serve()
	require.NotNil(t, p.Client())

	capturer.CaptureMessage(context.Background(), "while serving", nil)
	assert.True(t, capturer.Flush(context.Background()))
	assert.Len(t, storedEvents(t, p), 1)

	require.NoError(t, p.Stop(context.Background()))
	assert.Nil(t, p.Client())
	assert.Regexp(t, `^[a-f0-9]{32}$`, capturer.CaptureMessage(context.Background(), "after stop", nil))
	require.NoError(t, p.Stop(context.Background()))
}

func TestRPC_CaptureException(t *testing.T) {
	p := servePlugin(t, debugConfig())
	r := p.RPC().(*RPC)

	var res CaptureResult
	require.NoError(t, r.CaptureException(&CaptureExceptionRequest{
		Exception: ThrownValue{
			Name:    "TypeError",
			Message: "Cannot read properties of undefined",
			Stack: "TypeError: Cannot read properties of undefined\n" +
				"    at handle (/app/src/handler.js:10:5)\n" +
				"    at main (/app/src/main.js:3:1)",
			Cause: &ThrownValue{Name: "RangeError", Message: "index out of range"},
		},
		Scope: ScopeData{Level: "fatal", Tags: map[string]string{"route": "/users"}},
	}, &res))

	assert.True(t, res.Success)
	assert.Regexp(t, `^[a-f0-9]{32}$`, res.EventID)

	evs := storedEvents(t, p)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, res.EventID, ev.EventID)
	assert.Equal(t, event.LevelFatal, ev.Level)
	assert.Equal(t, "/users", ev.Tags["route"])
	assert.Equal(t, "test", ev.Environment)

	require.Len(t, ev.Exception, 2)
	thrown := ev.LatestException()
	assert.Equal(t, "TypeError", thrown.Type)
	require.NotNil(t, thrown.Stacktrace)
	assert.Len(t, thrown.Stacktrace.Frames, 2)
}

func TestRPC_CaptureEvent(t *testing.T) {
	p := servePlugin(t, debugConfig())
	r := p.RPC().(*RPC)

	traceID := propagation.NewTraceID()
	payload, err := json.Marshal(map[string]any{
		"event_id": "A1B2C3D4-E5F6-4789-8ABC-DEF012345678",
		"level":    "warning",
		"message":  "disk almost full",
		"tags":     map[string]string{"host": "db-1"},
	})
	require.NoError(t, err)

	var res CaptureResult
	require.NoError(t, r.CaptureEvent(&CaptureEventRequest{
		Payload: string(payload),
		Scope:   ScopeData{SentryTrace: traceID + "-" + propagation.NewSpanID() + "-1"},
	}, &res))
	assert.Equal(t, "a1b2c3d4e5f647898abcdef012345678", res.EventID)

	evs := storedEvents(t, p)
	require.Len(t, evs, 1)
	assert.Equal(t, event.LevelWarning, evs[0].Level)
	assert.Equal(t, "db-1", evs[0].Tags["host"])
	assert.Equal(t, traceID, storage.TraceIDOf(evs[0]))
}

func TestRPC_CaptureEventMalformedPayload(t *testing.T) {
	p := servePlugin(t, debugConfig())
	r := p.RPC().(*RPC)

	var res CaptureResult
	err := r.CaptureEvent(&CaptureEventRequest{Payload: "{not json"}, &res)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, storedEvents(t, p))
}

func TestRPC_MessageBreadcrumbFlushStats(t *testing.T) {
	p := servePlugin(t, debugConfig())
	r := p.RPC().(*RPC)

	var ok bool
	require.NoError(t, r.AddBreadcrumb(&BreadcrumbRequest{Category: "queue", Message: "job pulled"}, &ok))
	assert.True(t, ok)

	var res CaptureResult
	require.NoError(t, r.CaptureMessage(&CaptureMessageRequest{Message: "job %s failed", Params: []any{"42"}}, &res))
	assert.True(t, res.Success)

	evs := storedEvents(t, p)
	require.Len(t, evs, 1)
	require.Len(t, evs[0].Breadcrumbs, 1)
	assert.Equal(t, "job pulled", evs[0].Breadcrumbs[0].Message)
	assert.Equal(t, "job 42 failed", evs[0].Message.Formatted)

	var flushed bool
	require.NoError(t, r.Flush(&FlushRequest{TimeoutMs: 1000}, &flushed))
	assert.True(t, flushed)

	var stats StatsResult
	require.NoError(t, r.Stats(true, &stats))
	assert.Equal(t, 0, stats.QueueLength)
	assert.Equal(t, uint64(1), stats.EventsQueued)
	assert.Equal(t, uint64(1), stats.EventsSent)
	assert.True(t, stats.Online)
}

func TestRPC_StatsWithoutClient(t *testing.T) {
	p := &Plugin{}
	require.NoError(t, p.Init(&testConfigurer{cfg: debugConfig()}, testLogger{t}))

	var stats StatsResult
	err := NewRPC(p, zaptest.NewLogger(t)).Stats(true, &stats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestMetricsCollector(t *testing.T) {
	cfg := debugConfig()
	cfg.SampleRate = ptrTo(0.0)
	p := servePlugin(t, cfg)

	p.Capturer().CaptureMessage(context.Background(), "sampled out", nil)

	mc := p.MetricsCollector()[0]
	expected := `
# HELP rr_sentry_dropped_events_total Total number of dropped items by reason and category
# TYPE rr_sentry_dropped_events_total counter
rr_sentry_dropped_events_total{category="error",reason="sample_rate"} 1
# HELP rr_sentry_online 1 while the transport reports connectivity
# TYPE rr_sentry_online gauge
rr_sentry_online 1
# HELP rr_sentry_queue_length Number of events waiting in the event queue
# TYPE rr_sentry_queue_length gauge
rr_sentry_queue_length 0
`
	require.NoError(t, testutil.CollectAndCompare(mc, strings.NewReader(expected),
		"rr_sentry_dropped_events_total", "rr_sentry_online", "rr_sentry_queue_length"))

	assert.Equal(t, 2, testutil.CollectAndCount(mc, "rr_sentry_sampling_decisions_total"))
}

func TestMetricsCollector_NotRunning(t *testing.T) {
	mc := newMetricsCollector(func() (client.Stats, bool) { return client.Stats{}, false })
	assert.Equal(t, 0, testutil.CollectAndCount(mc))
}
