package observability

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// Health statuses reported by /healthz and /readyz.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker aggregates readiness from the store, the approval sweeper
// and the booking providers.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	started time.Time
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status        string                 `json:"status"` // "ok" or "degraded"
	UptimeSeconds int64                  `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness. It is "ok" whenever the process can answer.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{
		Status:        StatusOK,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
}

// CheckReady runs all registered checks concurrently, each bounded by
// healthCheckTimeout. The result is "ok" only if every check passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			if err := c.Check(checkCtx); err != nil {
				results[i] = CheckResult{Status: StatusFail, Message: err.Error()}
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = CheckResult{Status: StatusOK}
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status != StatusOK {
			status.Status = StatusDegraded
		}
	}
	return status
}
