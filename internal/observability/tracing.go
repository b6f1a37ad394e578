package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/tripgate/internal/config"
	"github.com/jkaninda/tripgate/internal/domain"
)

// Span attribute keys shared by the orchestrator and the provider wrappers.
const (
	AttrTripID          = attribute.Key("trip.id")
	AttrTripOrg         = attribute.Key("trip.org_id")
	AttrSubTaskDomain   = attribute.Key("subtask.domain")
	AttrSubTaskOptional = attribute.Key("subtask.optional")
	AttrSubTaskAttempts = attribute.Key("subtask.attempts")
)

// TripAttributes describes a trip run span.
func TripAttributes(trip *domain.Trip) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTripID.String(trip.ID.String()),
		AttrTripOrg.String(trip.OrgID),
	}
}

// SubTaskAttributes describes one sub-task span.
func SubTaskAttributes(tripID string, d domain.Domain, optional bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTripID.String(tripID),
		AttrSubTaskDomain.String(string(d)),
		AttrSubTaskOptional.Bool(optional),
	}
}

// TracerSetup owns the OTLP-backed TracerProvider. It is not installed as
// the global provider; the engine and gateway receive the tracer explicitly.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup returns nil when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "tripgate"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		// Child spans follow the trip span's decision so a sampled trip keeps all its sub-tasks.
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer(serviceName)}, nil
}

func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = os.ExpandEnv(v)
	}

	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns a no-op tracer on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return NewNoopTracer()
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("tripgate")
}
