// Package sampling decides whether errors and transactions proceed to
// delivery and keeps constant-time statistics of every decision.
package sampling

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/butschster/rr-sentry/event"
	"go.uber.org/zap"
)

// Reason explains a sampling decision
type Reason string

const (
	// ReasonInherited means the parent service made the decision
	ReasonInherited Reason = "inherited"
	// ReasonSampler means the custom TracesSampler made the decision
	ReasonSampler Reason = "sampler"
	// ReasonRate means a fixed sample rate made the decision
	ReasonRate Reason = "rate"
)

// SamplingContext is handed to TracesSampler for every new transaction
type SamplingContext struct {
	Name string
	// ParentSampled is the upstream decision, nil when none was made
	ParentSampled *bool
	// ParentSampleRate comes from the sample_rate entry of the incoming DSC
	ParentSampleRate *float64
	Data             map[string]any
}

// SamplerResult is what a TracesSampler returns: either a fixed decision or
// a probability in [0, 1]
type SamplerResult struct {
	decision    *bool
	probability float64
}

// Sample returns a deterministic result
func Sample(sampled bool) SamplerResult {
	return SamplerResult{decision: &sampled}
}

// Probability returns a result decided by a Bernoulli trial against p
func Probability(p float64) SamplerResult {
	return SamplerResult{probability: p}
}

// TracesSampler decides per transaction
type TracesSampler func(ctx SamplingContext) SamplerResult

// Decision is the outcome of ShouldSampleTransaction
type Decision struct {
	Sampled    bool
	Reason     Reason
	SampleRate float64
}

// Options configures a Sampler. Rates are used as given; out of range
// values are clamped.
type Options struct {
	SampleRate       float64
	TracesSampleRate float64
	TracesSampler    TracesSampler
	// Random returns values in [0, 1); defaults to math/rand/v2
	Random func() float64
}

// Sampler is safe for concurrent use
type Sampler struct {
	log              *zap.Logger
	sampleRate       float64
	tracesSampleRate float64
	tracesSampler    TracesSampler
	random           func() float64
	stats            *Stats
}

// NewSampler validates the configured rates
func NewSampler(opts Options, log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sampler{
		log:           log,
		tracesSampler: opts.TracesSampler,
		random:        opts.Random,
		stats:         NewStats(),
	}
	if s.random == nil {
		s.random = rand.Float64
	}
	s.sampleRate = s.clamp("sample_rate", opts.SampleRate)
	s.tracesSampleRate = s.clamp("traces_sample_rate", opts.TracesSampleRate)
	return s
}

// ShouldSampleError runs a Bernoulli trial against the error sample rate
func (s *Sampler) ShouldSampleError() bool {
	sampled := s.bernoulli(s.sampleRate)
	s.stats.Record(event.CategoryError, ReasonRate, sampled)
	return sampled
}

// ShouldSampleTransaction applies, in order: the parent decision, the custom
// sampler, the fixed traces sample rate. A parent decision is never
// overridden.
func (s *Sampler) ShouldSampleTransaction(ctx SamplingContext) Decision {
	d := s.decideTransaction(ctx)
	s.stats.Record(event.CategoryTransaction, d.Reason, d.Sampled)
	return d
}

func (s *Sampler) decideTransaction(ctx SamplingContext) Decision {
	if ctx.ParentSampled != nil {
		rate := 0.0
		if *ctx.ParentSampled {
			rate = 1
		}
		if ctx.ParentSampleRate != nil {
			rate = s.clamp("parent_sample_rate", *ctx.ParentSampleRate)
		}
		return Decision{Sampled: *ctx.ParentSampled, Reason: ReasonInherited, SampleRate: rate}
	}

	if s.tracesSampler != nil {
		res, ok := s.callSampler(ctx)
		if ok {
			if res.decision != nil {
				rate := 0.0
				if *res.decision {
					rate = 1
				}
				return Decision{Sampled: *res.decision, Reason: ReasonSampler, SampleRate: rate}
			}
			p := s.clamp("traces_sampler", res.probability)
			return Decision{Sampled: s.bernoulli(p), Reason: ReasonSampler, SampleRate: p}
		}
	}

	return Decision{
		Sampled:    s.bernoulli(s.tracesSampleRate),
		Reason:     ReasonRate,
		SampleRate: s.tracesSampleRate,
	}
}

// callSampler recovers a panicking TracesSampler; the fixed rate applies then
func (s *Sampler) callSampler(ctx SamplingContext) (res SamplerResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("traces sampler panicked", zap.String("transaction", ctx.Name), zap.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	return s.tracesSampler(ctx), true
}

// SampleRate returns the effective error sample rate
func (s *Sampler) SampleRate() float64 {
	return s.sampleRate
}

// TracesSampleRate returns the effective traces sample rate
func (s *Sampler) TracesSampleRate() float64 {
	return s.tracesSampleRate
}

// Stats returns the decision counters
func (s *Sampler) Stats() *Stats {
	return s.stats
}

func (s *Sampler) bernoulli(rate float64) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	return s.random() < rate
}

func (s *Sampler) clamp(name string, rate float64) float64 {
	switch {
	case math.IsNaN(rate):
		s.log.Warn("invalid sample rate, using 0", zap.String("option", name))
		return 0
	case rate < 0:
		s.log.Warn("sample rate below 0, clamped", zap.String("option", name), zap.Float64("rate", rate))
		return 0
	case rate > 1:
		s.log.Warn("sample rate above 1, clamped", zap.String("option", name), zap.Float64("rate", rate))
		return 1
	}
	return rate
}
