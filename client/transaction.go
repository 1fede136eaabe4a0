package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/butschster/rr-sentry/event"
	"github.com/butschster/rr-sentry/propagation"
	"github.com/butschster/rr-sentry/sampling"
	"github.com/butschster/rr-sentry/storage"
	"go.uber.org/zap"
)

// Transaction is a sampled-or-not unit of work started by StartTransaction
type Transaction struct {
	Name         string
	Op           string
	TraceID      string
	SpanID       string
	ParentSpanID string
	Sampled      bool
	SampleRate   float64
	Reason       sampling.Reason
	Start        time.Time

	mu       sync.Mutex
	status   string
	tags     map[string]string
	data     map[string]any
	finished bool
}

// SetStatus sets the span status, e.g. "ok" or "internal_error"
func (t *Transaction) SetStatus(status string) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// SetTag sets a tag sent with the transaction event
func (t *Transaction) SetTag(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tags == nil {
		t.tags = make(map[string]string)
	}
	t.tags[key] = value
}

// SetData attaches data to the root span
func (t *Transaction) SetData(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data == nil {
		t.data = make(map[string]any)
	}
	t.data[key] = value
}

// SentryTrace returns the header to propagate to downstream services
func (t *Transaction) SentryTrace() propagation.SentryTrace {
	sampled := t.Sampled
	return propagation.SentryTrace{TraceID: t.TraceID, SpanID: t.SpanID, Sampled: &sampled}
}

// StartTransaction starts a transaction in the trace of ctx and decides
// whether it is sampled. A parent found in ctx, either a running transaction
// or an extracted upstream trace, passes its decision down. The returned
// context carries the transaction's span as the parent of downstream work.
func (c *Client) StartTransaction(ctx context.Context, name, op string, data map[string]any) (context.Context, *Transaction) {
	if ctx == nil {
		ctx = context.Background()
	}

	pc := c.scopes.PropagationContext(ctx)
	d := c.sampler.ShouldSampleTransaction(samplingContext(name, pc, data))

	tx := &Transaction{
		Name:       name,
		Op:         op,
		TraceID:    pc.TraceID,
		SpanID:     propagation.NewSpanID(),
		Sampled:    d.Sampled,
		SampleRate: d.SampleRate,
		Reason:     d.Reason,
		Start:      time.Now(),
		data:       event.CloneMap(data),
	}
	if pc.IsContinued() {
		tx.ParentSpanID = pc.ParentSpanID
	}

	// the trace root freezes its DSC on the first transaction
	dsc := pc.DSC
	if dsc == nil && c.dsn != nil {
		dsc = &propagation.DSC{
			TraceID:     pc.TraceID,
			PublicKey:   c.dsn.PublicKey,
			Release:     c.opts.Release,
			Environment: c.opts.Environment,
			Transaction: name,
			SampleRate:  formatRate(d.SampleRate),
			Sampled:     strconv.FormatBool(d.Sampled),
		}
		iso := c.scopes.IsolationScope(ctx)
		if frozen := iso.PropagationContext(); frozen.TraceID == pc.TraceID {
			frozen.DSC = dsc
			iso.SetPropagationContext(frozen)
		}
	}

	sampled := d.Sampled
	child := propagation.PropagationContext{
		TraceID:      pc.TraceID,
		SpanID:       propagation.NewSpanID(),
		ParentSpanID: tx.SpanID,
		Sampled:      &sampled,
		DSC:          dsc.Clone(),
	}

	return propagation.ContextWithTrace(ctx, child), tx
}

// FinishTransaction ends tx and captures it. Unsampled transactions are
// dropped with reason sample_rate. Finishing twice captures once.
func (c *Client) FinishTransaction(ctx context.Context, tx *Transaction) string {
	if ctx == nil {
		ctx = context.Background()
	}

	tx.mu.Lock()
	if tx.finished {
		tx.mu.Unlock()
		return ""
	}
	tx.finished = true
	status := tx.status
	if status == "" {
		status = "ok"
	}
	tags := make(map[string]string, len(tx.tags))
	for k, v := range tx.tags {
		tags[k] = v
	}
	data := event.CloneMap(tx.data)
	tx.mu.Unlock()

	end := time.Now()

	ev := event.New(event.LevelInfo)
	ev.Type = event.TypeTransaction
	ev.Transaction = tx.Name
	ev.StartTimestamp = event.Timestamp(tx.Start)
	ev.Timestamp = event.Timestamp(end)
	if len(tags) > 0 {
		ev.Tags = tags
	}

	trace := map[string]any{
		"trace_id": tx.TraceID,
		"span_id":  tx.SpanID,
		"sampled":  strconv.FormatBool(tx.Sampled),
		"status":   status,
	}
	if tx.ParentSpanID != "" {
		trace["parent_span_id"] = tx.ParentSpanID
	}
	if tx.Op != "" {
		trace["op"] = tx.Op
	}
	if len(data) > 0 {
		trace["data"] = data
	}
	ev.Contexts = map[string]any{"trace": trace}

	if c.storage != nil && tx.Sampled {
		span := storage.Span{
			TraceID:      tx.TraceID,
			SpanID:       tx.SpanID,
			ParentSpanID: tx.ParentSpanID,
			Op:           tx.Op,
			Description:  tx.Name,
			Status:       status,
			Start:        tx.Start,
			End:          end,
			Data:         data,
		}
		if err := c.storage.SaveSpan(ctx, span); err != nil {
			c.log.Debug("failed to store span", zap.Error(err))
		}
	}

	return c.CaptureEvent(ctx, ev, nil)
}

func samplingContext(name string, pc propagation.PropagationContext, data map[string]any) sampling.SamplingContext {
	sc := sampling.SamplingContext{Name: name, Data: data}
	if pc.IsContinued() {
		sc.ParentSampled = pc.Sampled
	}
	if pc.DSC != nil && pc.DSC.SampleRate != "" {
		if rate, err := strconv.ParseFloat(pc.DSC.SampleRate, 64); err == nil {
			sc.ParentSampleRate = &rate
		}
	}
	return sc
}

func formatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}
