// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and a booking provider error-rate monitor for tripgate.
// All components are optional and nil-safe: when disabled, wrappers skip
// recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jkaninda/tripgate/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field except Health may be nil when that feature is disabled.
type Observability struct {
	Metrics   *MetricsCollector
	Tracer    *TracerSetup
	ErrorRate *ErrorRateMonitor
	Health    *HealthChecker
}

// New creates an Observability instance from config.
func New(cfg *config.Config, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.MetricsEnabled() {
		obs.Metrics = NewMetricsCollector()
	}

	if o := cfg.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			ts, err := NewTracerSetup(o.Tracing)
			if err != nil {
				return nil, fmt.Errorf("initializing tracing: %w", err)
			}
			obs.Tracer = ts
		}
		if o.ErrorRate != nil && o.ErrorRate.Enabled {
			obs.ErrorRate = NewErrorRateMonitor(o.ErrorRate, logger)
			obs.Health.AddCheck("booking_providers", obs.ErrorRate.Check)
		}
	}

	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
