package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/llm"
	"github.com/jkaninda/tripgate/internal/provider"
)

// --- InstrumentedLLM ---

// InstrumentedLLM wraps an llm.Provider with metrics and tracing.
type InstrumentedLLM struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedLLM wraps an LLM provider with observability.
func NewInstrumentedLLM(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedLLM {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedLLM{inner: inner, metrics: metrics, tracer: tracer}
}

func (p *InstrumentedLLM) Name() string { return p.inner.Name() }

func (p *InstrumentedLLM) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	name := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(attribute.String("llm.provider", name)))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		recordSpanError(span, err)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(name, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(name).Observe(duration)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(name, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(name, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}
	return resp, err
}

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a booking provider with metrics, tracing and
// the error-rate monitor.
type InstrumentedProvider struct {
	inner     provider.Provider
	metrics   *MetricsCollector
	tracer    trace.Tracer
	errorRate *ErrorRateMonitor
}

// NewInstrumentedProvider wraps p. Any of the observability arguments may be nil.
func NewInstrumentedProvider(p provider.Provider, metrics *MetricsCollector, ts *TracerSetup, errorRate *ErrorRateMonitor) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{inner: p, metrics: metrics, tracer: tracer, errorRate: errorRate}
}

// InstrumentSet wraps every provider in set. Nil entries stay nil.
func InstrumentSet(set provider.Set, obs *Observability) provider.Set {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil && obs.ErrorRate == nil) {
		return set
	}
	wrap := func(p provider.Provider) provider.Provider {
		if p == nil {
			return nil
		}
		return NewInstrumentedProvider(p, obs.Metrics, obs.Tracer, obs.ErrorRate)
	}
	return provider.Set{
		Flight:    wrap(set.Flight),
		Hotel:     wrap(set.Hotel),
		Transport: wrap(set.Transport),
		Activity:  wrap(set.Activity),
	}
}

func (p *InstrumentedProvider) Name() string          { return p.inner.Name() }
func (p *InstrumentedProvider) Domain() domain.Domain { return p.inner.Domain() }

func (p *InstrumentedProvider) Search(ctx context.Context, q provider.Query) ([]provider.Offer, error) {
	ctx, done := p.observe(ctx, "search")
	offers, err := p.inner.Search(ctx, q)
	done(err, attribute.Int("provider.offers", len(offers)))
	return offers, err
}

func (p *InstrumentedProvider) Details(ctx context.Context, offerID string) (*provider.Offer, error) {
	ctx, done := p.observe(ctx, "details")
	offer, err := p.inner.Details(ctx, offerID)
	done(err, attribute.String("provider.offer_id", offerID))
	return offer, err
}

func (p *InstrumentedProvider) Book(ctx context.Context, offerID string, details map[string]any, paymentToken string) (*provider.Confirmation, error) {
	ctx, done := p.observe(ctx, "book")
	conf, err := p.inner.Book(ctx, offerID, details, paymentToken)
	if err == nil && conf != nil && p.metrics != nil {
		p.metrics.BookedAmountTotal.WithLabelValues(string(p.inner.Domain())).Add(conf.Amount)
	}
	done(err, attribute.String("provider.offer_id", offerID))
	return conf, err
}

func (p *InstrumentedProvider) Cancel(ctx context.Context, reference string) (*provider.Cancellation, error) {
	ctx, done := p.observe(ctx, "cancel")
	c, err := p.inner.Cancel(ctx, reference)
	done(err, attribute.String("provider.reference", reference))
	return c, err
}

// observe starts a span for op and returns a function that finishes it and
// records metrics.
func (p *InstrumentedProvider) observe(ctx context.Context, op string) (context.Context, func(error, ...attribute.KeyValue)) {
	d := string(p.inner.Domain())
	name := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "provider."+op,
			trace.WithAttributes(
				attribute.String("provider.domain", d),
				attribute.String("provider.name", name),
			))
	}
	start := time.Now()

	return ctx, func(err error, attrs ...attribute.KeyValue) {
		status := "success"
		if err != nil {
			status = "error"
		}
		if span != nil {
			span.SetAttributes(attrs...)
			recordSpanError(span, err)
			span.End()
		}
		if p.metrics != nil {
			p.metrics.ProviderCallsTotal.WithLabelValues(d, name, op, status).Inc()
			p.metrics.ProviderCallDuration.WithLabelValues(d, op).Observe(time.Since(start).Seconds())
		}
		// Cancellation says nothing about the provider's health.
		if !errors.Is(err, context.Canceled) {
			p.errorRate.Record(d, err)
		}
	}
}

func recordSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var (
	_ llm.Provider      = (*InstrumentedLLM)(nil)
	_ provider.Provider = (*InstrumentedProvider)(nil)
)
