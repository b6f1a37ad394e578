// Package httpapi implements the tripgate REST API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket on write endpoints
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/gateway"
	"github.com/jkaninda/tripgate/internal/observability"
	"github.com/jkaninda/tripgate/internal/orchestrator"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the error response shape for every non-2xx answer.
type ErrorBody struct {
	Error string `json:"error"`
}

// Trips is the trip surface of the orchestrator.
type Trips interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Trip, error)
	Status(ctx context.Context, id uuid.UUID) (*orchestrator.TripDetail, error)
	List(ctx context.Context, f orchestrator.TripFilter) ([]domain.Trip, error)
	PolicyReport(ctx context.Context, id uuid.UUID) (*orchestrator.PolicyReport, error)
}

// Approvals is the decision surface of the approval gate.
type Approvals interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.HumanApproval, error)
	List(ctx context.Context, tripID *uuid.UUID) ([]domain.HumanApproval, error)
	Decide(ctx context.Context, id uuid.UUID, approved bool, decidedBy string) (*domain.HumanApproval, error)
}

// Policies is the policy administration surface.
type Policies interface {
	Create(ctx context.Context, req policy.CreateRequest) (*domain.CorporatePolicy, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CorporatePolicy, error)
	List(ctx context.Context, orgID string) ([]domain.CorporatePolicy, error)
	Update(ctx context.Context, id uuid.UUID, patch policy.PolicyPatch) (*domain.CorporatePolicy, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	UpdateRule(ctx context.Context, policyID, ruleID uuid.UUID, patch policy.RulePatch) (*domain.PolicyRule, error)
}

// AuditReader exposes a trip's tool call log.
type AuditReader interface {
	ToolCalls(ctx context.Context, tripID uuid.UUID) ([]domain.ToolCall, error)
}

// Streams hands out per-trip event subscriptions.
type Streams interface {
	Subscribe(tripID uuid.UUID, buffer int) *events.Subscription
}

// Services are the core components the API exposes.
type Services struct {
	Trips     Trips
	Approvals Approvals
	Policies  Policies
	Audit     AuditReader
	Streams   Streams
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        gateway.APIKeys // API key -> user ID.
	MaxRequestSize int64           // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on /metrics. nil disables the endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	svc      Services
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
	mounted  bool
	handlers []extraRoute
}

// extraRoute is an additional handler mounted on the mux, such as the
// WebSocket event stream.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc Services, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHandler mounts an extra GET handler outside /v1 (it does its own
// authentication).
func (g *Gateway) WithHandler(pattern string, h http.Handler) *Gateway {
	g.handlers = append(g.handlers, extraRoute{pattern: pattern, handler: h})
	return g
}

// Handler mounts the routes and returns the API as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.mount()
	return g.okapi
}

// Start starts the HTTP server. It blocks until the server stops.
func (g *Gateway) Start(ctx context.Context) error {
	g.mount()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Event streams stay open for the life of a trip, so no WriteTimeout.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) mount() {
	if g.mounted {
		return
	}
	g.mounted = true

	limit := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.registerTrips()
	g.registerApprovals()
	g.registerPolicies()

	for _, er := range g.handlers {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "tripgate",
			Version: "v1",
		})
	}
}

// --- Health ---

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness runs the registered dependency checks: 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the bearer API key to a user id.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		token, ok := gateway.BearerToken(c.Header("Authorization"))
		if !ok {
			return writeError(c, http.StatusUnauthorized, "missing or invalid Authorization header")
		}
		userID, ok := g.config.APIKeys.Lookup(token)
		if !ok {
			return writeError(c, http.StatusUnauthorized, "invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// allow applies the per-user rate limit. It returns false after writing a
// 429 with Retry-After.
func (g *Gateway) allow(c *okapi.Context) (string, bool) {
	userID := c.GetString("userID")
	wait, err := g.limiter.Allow(userID)
	if err == nil {
		return userID, true
	}
	secs := int(math.Ceil(wait.Seconds()))
	c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	_ = writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
	return userID, false
}

// --- Errors ---

func writeError(c *okapi.Context, code int, msg string) error {
	return c.JSON(code, ErrorBody{Error: msg})
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, orchestrator.ErrTripNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, policy.ErrPolicyNotFound),
		errors.Is(err, policy.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, policy.ErrActivePolicyExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, policy.ErrInvalidRule),
		errors.Is(err, audit.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail is withheld from the client.
func (g *Gateway) fail(c *okapi.Context, op string, err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.ErrorContext(c.Context(), op+" failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
		return writeError(c, code, op+" failed")
	}
	return writeError(c, code, err.Error())
}

// bind decodes the JSON body into v, answering 400 on failure.
func (g *Gateway) bind(c *okapi.Context, v any) bool {
	if err := c.Bind(v); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		_ = writeError(c, code, "invalid request body")
		return false
	}
	return true
}

// pathID parses the named path parameter as a UUID, answering 400 on failure.
func pathID(c *okapi.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		_ = writeError(c, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
