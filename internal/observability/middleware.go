package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, durations and a span per request.
// Either argument may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			path := RoutePath(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), "http.request",
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			}

			return err
		}
	}
}

// RoutePath replaces UUID path segments with ":id" so metric labels stay
// bounded: /v1/trips/3f1c.../audit becomes /v1/trips/:id/audit.
func RoutePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if len(s) == 36 {
			if _, err := uuid.Parse(s); err == nil {
				segs[i] = ":id"
			}
		}
	}
	return strings.Join(segs, "/")
}
