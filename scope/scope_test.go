package scope

import (
	"context"
	"strings"
	"testing"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWithScope_DoesNotLeak(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	ctx := context.Background()

	m.WithScope(ctx, func(ctx context.Context, s *Scope) {
		require.NoError(t, s.SetTag("isolated", "true"))

		inside, _ := m.ApplyToEvent(ctx, event.New(event.LevelError), nil, nil)
		assert.Equal(t, "true", inside.Tags["isolated"])
	})

	outside, reason := m.ApplyToEvent(ctx, event.New(event.LevelError), nil, nil)
	require.Empty(t, reason)
	assert.NotContains(t, outside.Tags, "isolated")
}

func TestWithIsolationScope_ForksBothLayers(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.IsolationScope(ctx).SetTag("root", "yes"))

	m.WithIsolationScope(ctx, func(ctx context.Context, iso *Scope) {
		require.NoError(t, iso.SetTag("request", "1"))
		require.NoError(t, m.CurrentScope(ctx).SetTag("inner", "1"))
		assert.NotSame(t, m.CurrentScope(context.Background()), m.CurrentScope(ctx))
		assert.Equal(t, "yes", iso.Tags()["root"])
	})

	assert.NotContains(t, m.IsolationScope(ctx).Tags(), "request")
	assert.NotContains(t, m.CurrentScope(ctx).Tags(), "inner")
}

func TestWithIsolationScope_ContinuesExtractedTrace(t *testing.T) {
	m := NewManager(0, nil)
	pc := propagation.ContinueTrace("771a43a4192642f0b136d5159a501700-b0e6f15b45c36b12-1", "")
	ctx := propagation.ContextWithTrace(context.Background(), pc)

	m.WithIsolationScope(ctx, func(ctx context.Context, _ *Scope) {
		ev, _ := m.ApplyToEvent(ctx, event.New(event.LevelError), nil, nil)
		trace := ev.Contexts["trace"].(map[string]any)
		assert.Equal(t, "771a43a4192642f0b136d5159a501700", trace["trace_id"])
		assert.Equal(t, "b0e6f15b45c36b12", trace["parent_span_id"])
		assert.Equal(t, "true", trace["sampled"])
	})
}

func TestManager_PropagationContextPrefersContextTrace(t *testing.T) {
	m := NewManager(0, nil)
	upstream := propagation.ContinueTrace("771a43a4192642f0b136d5159a501700-b0e6f15b45c36b12-0", "")

	m.WithIsolationScope(propagation.ContextWithTrace(context.Background(), upstream), func(ctx context.Context, iso *Scope) {
		frozen := iso.PropagationContext()
		frozen.DSC = &propagation.DSC{TraceID: frozen.TraceID, PublicKey: "public"}
		iso.SetPropagationContext(frozen)

		child := propagation.PropagationContext{
			TraceID:      upstream.TraceID,
			SpanID:       propagation.NewSpanID(),
			ParentSpanID: "aaaaaaaaaaaaaaaa",
			Sampled:      upstream.Sampled,
		}
		pc := m.PropagationContext(propagation.ContextWithTrace(ctx, child))
		assert.Equal(t, "aaaaaaaaaaaaaaaa", pc.ParentSpanID)
		require.NotNil(t, pc.Sampled)
		assert.False(t, *pc.Sampled)
		require.NotNil(t, pc.DSC, "the isolation scope's DSC belongs to the same trace")
		assert.Equal(t, "public", pc.DSC.PublicKey)
	})

	extracted := propagation.ContextWithTrace(context.Background(), upstream)
	pc := m.PropagationContext(extracted)
	assert.Equal(t, upstream.TraceID, pc.TraceID)
	assert.Equal(t, "b0e6f15b45c36b12", pc.ParentSpanID)
	assert.Nil(t, pc.DSC)

	assert.NotEqual(t, upstream.TraceID, m.PropagationContext(context.Background()).TraceID)
}

func TestApplyToEvent_Precedence(t *testing.T) {
	global := New(0, nil)
	isolation := New(0, nil)
	current := New(0, nil)

	require.NoError(t, global.SetTag("a", "global"))
	require.NoError(t, global.SetTag("g", "1"))
	require.NoError(t, isolation.SetTag("a", "isolation"))
	require.NoError(t, current.SetTag("a", "current"))
	global.SetExtra("x", 1)
	current.SetExtra("x", 2)
	global.SetUser(&event.User{ID: "global"})
	isolation.SetUser(&event.User{ID: "iso"})
	current.SetLevel(event.LevelWarning)
	isolation.SetTransaction("GET /users")

	ev := event.New(event.LevelError)
	ev.Tags = map[string]string{"own": "1", "g": "event"}

	out, reason := ApplyToEvent(ev, nil, nil, global, isolation, current)
	require.Empty(t, reason)

	assert.Equal(t, "current", out.Tags["a"])
	assert.Equal(t, "event", out.Tags["g"], "event data wins over scope data")
	assert.Equal(t, "1", out.Tags["own"])
	assert.Equal(t, int64(2), out.Extra["x"])
	assert.Equal(t, "iso", out.User.ID)
	assert.Equal(t, event.LevelWarning, out.Level)
	assert.Equal(t, "GET /users", out.Transaction)
}

func TestApplyToEvent_BreadcrumbsUnionedAndCapped(t *testing.T) {
	global := New(0, nil)
	current := New(3, nil)

	global.AddBreadcrumb(event.Breadcrumb{Message: "g1", Timestamp: 1})
	global.AddBreadcrumb(event.Breadcrumb{Message: "g4", Timestamp: 4})
	current.AddBreadcrumb(event.Breadcrumb{Message: "c2", Timestamp: 2})
	current.AddBreadcrumb(event.Breadcrumb{Message: "c5", Timestamp: 5})

	ev := event.New(event.LevelError)
	ev.Breadcrumbs = []event.Breadcrumb{{Message: "e3", Timestamp: 3}}

	out, _ := ApplyToEvent(ev, nil, nil, global, nil, current)
	var got []string
	for _, b := range out.Breadcrumbs {
		got = append(got, b.Message)
	}
	assert.Equal(t, []string{"e3", "g4", "c5"}, got)
}

func TestApplyToEvent_FingerprintAppended(t *testing.T) {
	current := New(0, nil)
	current.SetFingerprint([]string{"{{ default }}", "tenant-a"})

	ev := event.New(event.LevelError)
	out, _ := ApplyToEvent(ev, nil, nil, nil, nil, current)
	assert.Equal(t, []string{"{{ default }}", "tenant-a"}, out.Fingerprint)
}

func TestApplyToEvent_ProcessorsOrderAndDrop(t *testing.T) {
	global := New(0, nil)
	isolation := New(0, nil)
	current := New(0, nil)

	var order []string
	record := func(name string) Processor {
		return func(ev *event.Event, _ *event.Hint) *event.Event {
			order = append(order, name)
			return ev
		}
	}
	current.AddEventProcessor(record("current"))
	global.AddEventProcessor(record("global-1"))
	isolation.AddEventProcessor(record("isolation"))
	global.AddEventProcessor(record("global-2"))

	_, reason := ApplyToEvent(event.New(event.LevelError), nil, nil, global, isolation, current)
	require.Empty(t, reason)
	assert.Equal(t, []string{"global-1", "global-2", "isolation", "current"}, order)

	order = nil
	isolation.AddEventProcessor(func(*event.Event, *event.Hint) *event.Event { return nil })
	out, reason := ApplyToEvent(event.New(event.LevelError), nil, nil, global, isolation, current)
	assert.Nil(t, out)
	assert.Equal(t, event.ReasonEventProcessor, reason)
	assert.Equal(t, []string{"global-1", "global-2", "isolation"}, order, "chain short-circuits")
}

func TestApplyToEvent_ProcessorPanicIsolated(t *testing.T) {
	current := New(0, nil)
	current.AddEventProcessor(func(*event.Event, *event.Hint) *event.Event { panic("boom") })
	current.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
		ev.Tags = map[string]string{"after": "panic"}
		return ev
	})

	out, reason := ApplyToEvent(event.New(event.LevelError), nil, zaptest.NewLogger(t), nil, nil, current)
	require.Empty(t, reason)
	assert.Equal(t, "panic", out.Tags["after"])
}

func TestApplyToEvent_ProcessorSeesHint(t *testing.T) {
	current := New(0, nil)
	var seen any
	current.AddEventProcessor(func(ev *event.Event, hint *event.Hint) *event.Event {
		seen = hint.OriginalException
		return ev
	})

	_, _ = ApplyToEvent(event.New(event.LevelError), &event.Hint{OriginalException: "raw"}, nil, nil, nil, current)
	assert.Equal(t, "raw", seen)
}

func TestBreadcrumbRing(t *testing.T) {
	s := New(3, nil)
	for i := 1; i <= 5; i++ {
		s.AddBreadcrumb(event.Breadcrumb{Message: string(rune('0' + i)), Timestamp: float64(i)})
	}

	b := s.Breadcrumbs()
	require.Len(t, b, 3)
	assert.Equal(t, "3", b[0].Message)
	assert.Equal(t, "5", b[2].Message)
	assert.Equal(t, event.LevelInfo, b[0].Level)
}

func TestSetTag_Validation(t *testing.T) {
	s := New(0, zaptest.NewLogger(t))

	require.NoError(t, s.SetTag("user id!", "x"))
	assert.Equal(t, "x", s.Tags()["user_id_"])

	long := strings.Repeat("k", 40)
	require.NoError(t, s.SetTag(long, strings.Repeat("v", 250)))
	v, ok := s.Tags()[strings.Repeat("k", 32)]
	require.True(t, ok)
	assert.Len(t, v, 200)

	assert.ErrorIs(t, s.SetTag("   ", "x"), ErrInvalidTag)

	require.NoError(t, s.SetTag("level", "reserved but allowed"))
	assert.Equal(t, "reserved but allowed", s.Tags()["level"])
}

func TestSanitizeTagValue_Unicode(t *testing.T) {
	v := SanitizeTagValue(strings.Repeat("ж", 300))
	assert.Equal(t, MaxTagValueLength, len([]rune(v)))
	assert.Equal(t, "a b", SanitizeTagValue("a\nb"))
}

func TestClone_IsDeep(t *testing.T) {
	s := New(0, nil)
	s.SetUser(&event.User{ID: "1", Data: map[string]string{"k": "v"}})
	s.SetContext("os", map[string]any{"name": "linux"})
	s.AddBreadcrumb(event.Breadcrumb{Message: "a", Data: map[string]any{"k": "v"}})

	c := s.Clone()
	require.NoError(t, c.SetTag("only", "clone"))
	c.SetContext("os", nil)
	c.AddBreadcrumb(event.Breadcrumb{Message: "b"})

	assert.NotContains(t, s.Tags(), "only")
	assert.Len(t, s.Breadcrumbs(), 1)
	assert.Contains(t, s.Fields().Contexts, "os")
}

func TestCaptureContext_Patch(t *testing.T) {
	s := New(0, nil)
	require.NoError(t, s.SetTag("keep", "1"))

	Apply(s, Patch{Tags: map[string]string{"added": "2"}, Level: event.LevelFatal})

	f := s.Fields()
	assert.Equal(t, "1", f.Tags["keep"])
	assert.Equal(t, "2", f.Tags["added"])
	assert.Equal(t, event.LevelFatal, f.Level)
}

func TestCaptureContext_Transform(t *testing.T) {
	s := New(0, nil)
	require.NoError(t, s.SetTag("drop", "1"))
	s.SetUser(&event.User{ID: "u"})

	Apply(s, Transform(func(f Fields) Fields {
		assert.Equal(t, "1", f.Tags["drop"])
		return Fields{Tags: map[string]string{"only": "this"}}
	}))

	f := s.Fields()
	assert.Equal(t, map[string]string{"only": "this"}, f.Tags)
	assert.Nil(t, f.User)
}

func TestManagerFork(t *testing.T) {
	m := NewManager(0, nil)
	ctx := context.Background()

	assert.Same(t, m.CurrentScope(ctx), m.Fork(ctx))

	fork := m.Fork(ctx, Patch{Tags: map[string]string{"once": "1"}})
	ev, _ := m.ApplyToEvent(ctx, event.New(event.LevelError), nil, fork)
	assert.Equal(t, "1", ev.Tags["once"])
	assert.NotContains(t, m.CurrentScope(ctx).Tags(), "once")
}
