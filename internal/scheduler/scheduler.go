// Package scheduler runs tripgate's periodic maintenance jobs on a cron
// schedule. Today that is the approval sweeper: pending approvals older
// than the approval timeout are rejected so trips whose waiting process
// died do not leave decisions open forever.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer rejects pending approvals created before a cutoff.
type Expirer interface {
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	expirer Expirer
	timeout time.Duration
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics enables sweep metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source used to compute the cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that expires approvals older than timeout on the
// given cron spec (standard five fields or descriptors such as "@every 1m").
func New(spec string, expirer Expirer, timeout time.Duration, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("approval timeout must be positive, got %s", timeout)
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		expirer: expirer,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running jobs. The returned function stops the scheduler and
// waits for a running sweep to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	s.logger.InfoContext(ctx, "approval sweeper started",
		slog.String("approval_timeout", s.timeout.String()),
	)
	// Catch approvals left pending by a previous process right away.
	go s.Sweep(ctx)
	s.cron.Start()

	return func() {
		<-s.cron.Stop().Done()
		s.logger.Info("approval sweeper stopped")
	}
}

// Sweep expires overdue approvals once and returns how many it rejected.
func (s *Scheduler) Sweep(ctx context.Context) int {
	start := time.Now()
	cutoff := s.now().UTC().Add(-s.timeout)

	n, err := s.expirer.ExpireBefore(ctx, cutoff)
	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.ExpiredTotal.Add(float64(n))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.SweepErrors.Inc()
		}
		s.logger.ErrorContext(ctx, "approval sweep failed",
			slog.Int("expired", n),
			slog.String("error", err.Error()),
		)
		return n
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "overdue approvals expired",
			slog.Int("expired", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n
}
