package sampling

import (
	"math"
	"testing"

	"github.com/butschster/rr-sentry/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fixed(v float64) func() float64 {
	return func() float64 { return v }
}

func boolPtr(b bool) *bool { return &b }

func TestShouldSampleTransaction_ParentAlwaysWins(t *testing.T) {
	for _, rate := range []float64{0, 0.25, 1} {
		s := NewSampler(Options{
			TracesSampleRate: rate,
			TracesSampler:    func(SamplingContext) SamplerResult { return Sample(false) },
			Random:           fixed(0.99),
		}, zaptest.NewLogger(t))

		d := s.ShouldSampleTransaction(SamplingContext{ParentSampled: boolPtr(true)})
		assert.True(t, d.Sampled)
		assert.Equal(t, ReasonInherited, d.Reason)
		assert.Equal(t, 1.0, d.SampleRate)

		snap := s.Stats().Snapshot()[event.CategoryTransaction]
		assert.Equal(t, uint64(1), snap.ByReason[ReasonInherited].Sampled)
	}
}

func TestShouldSampleTransaction_ParentFalseWins(t *testing.T) {
	s := NewSampler(Options{TracesSampleRate: 1}, nil)
	rate := 0.3
	d := s.ShouldSampleTransaction(SamplingContext{ParentSampled: boolPtr(false), ParentSampleRate: &rate})
	assert.False(t, d.Sampled)
	assert.Equal(t, ReasonInherited, d.Reason)
	assert.Equal(t, 0.3, d.SampleRate)
}

func TestShouldSampleTransaction_Sampler(t *testing.T) {
	var got SamplingContext
	s := NewSampler(Options{
		TracesSampleRate: 1,
		TracesSampler: func(ctx SamplingContext) SamplerResult {
			got = ctx
			if ctx.Name == "GET /health" {
				return Sample(false)
			}
			return Probability(0.5)
		},
		Random: fixed(0.4),
	}, nil)

	d := s.ShouldSampleTransaction(SamplingContext{Name: "GET /health"})
	assert.False(t, d.Sampled)
	assert.Equal(t, ReasonSampler, d.Reason)
	assert.Equal(t, "GET /health", got.Name)

	d = s.ShouldSampleTransaction(SamplingContext{Name: "GET /users"})
	assert.True(t, d.Sampled)
	assert.Equal(t, 0.5, d.SampleRate)
}

func TestShouldSampleTransaction_SamplerProbabilityClamped(t *testing.T) {
	s := NewSampler(Options{
		TracesSampler: func(SamplingContext) SamplerResult { return Probability(7) },
		Random:        fixed(0.999),
	}, zaptest.NewLogger(t))

	d := s.ShouldSampleTransaction(SamplingContext{})
	assert.True(t, d.Sampled)
	assert.Equal(t, 1.0, d.SampleRate)
}

func TestShouldSampleTransaction_SamplerPanicFallsBackToRate(t *testing.T) {
	s := NewSampler(Options{
		TracesSampleRate: 1,
		TracesSampler:    func(SamplingContext) SamplerResult { panic("bad sampler") },
	}, zaptest.NewLogger(t))

	d := s.ShouldSampleTransaction(SamplingContext{})
	assert.True(t, d.Sampled)
	assert.Equal(t, ReasonRate, d.Reason)
}

func TestShouldSampleTransaction_RateDefaultsToZero(t *testing.T) {
	s := NewSampler(Options{SampleRate: 1}, nil)
	d := s.ShouldSampleTransaction(SamplingContext{})
	assert.False(t, d.Sampled)
	assert.Equal(t, ReasonRate, d.Reason)
}

func TestShouldSampleError(t *testing.T) {
	assert.True(t, NewSampler(Options{SampleRate: 1, Random: fixed(0.999)}, nil).ShouldSampleError())
	assert.False(t, NewSampler(Options{SampleRate: 0, Random: fixed(0)}, nil).ShouldSampleError())

	s := NewSampler(Options{SampleRate: 0.5, Random: fixed(0.49)}, nil)
	assert.True(t, s.ShouldSampleError())
	s = NewSampler(Options{SampleRate: 0.5, Random: fixed(0.5)}, nil)
	assert.False(t, s.ShouldSampleError())
}

func TestInvalidRatesClamped(t *testing.T) {
	log := zaptest.NewLogger(t)
	assert.Equal(t, 0.0, NewSampler(Options{SampleRate: math.NaN()}, log).SampleRate())
	assert.Equal(t, 0.0, NewSampler(Options{SampleRate: -1}, log).SampleRate())
	assert.Equal(t, 1.0, NewSampler(Options{SampleRate: 3}, log).SampleRate())
	assert.Equal(t, 1.0, NewSampler(Options{TracesSampleRate: 1.5}, log).TracesSampleRate())
}

func TestStats_Snapshot(t *testing.T) {
	values := []float64{0.1, 0.9, 0.2, 0.8}
	i := 0
	s := NewSampler(Options{
		SampleRate: 0.5,
		Random: func() float64 {
			v := values[i%len(values)]
			i++
			return v
		},
	}, nil)

	for range values {
		s.ShouldSampleError()
	}

	snap := s.Stats().Snapshot()
	errs := snap[event.CategoryError]
	assert.Equal(t, uint64(2), errs.Sampled)
	assert.Equal(t, uint64(2), errs.Dropped)
	assert.InDelta(t, 0.5, errs.SampleRate(), 1e-9)
	assert.InDelta(t, 0.5, errs.DropRate(), 1e-9)
	assert.Equal(t, Counts{Sampled: 2, Dropped: 2}, errs.ByReason[ReasonRate])

	tx := snap[event.CategoryTransaction]
	assert.Zero(t, tx.Total())
	assert.Zero(t, tx.SampleRate())

	s.Stats().Reset()
	require.Zero(t, s.Stats().Snapshot()[event.CategoryError].Total())
}

func TestStats_IgnoresUnknownKeys(t *testing.T) {
	st := NewStats()
	st.Record(event.CategoryAttachment, ReasonRate, true)
	st.Record(event.CategoryError, Reason("other"), true)
	assert.Zero(t, st.Snapshot()[event.CategoryError].Total())
}
