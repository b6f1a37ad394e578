package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/tripgate/internal/agent"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/observability"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// maxAttempts is the first try plus one retry.
const maxAttempts = 2

// run is the outer failure boundary: any error or panic below it marks the
// trip failed.
func (e *Engine) run(ctx context.Context, trip *domain.Trip) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "trip.run", trace.WithAttributes(observability.TripAttributes(trip)...))
	defer span.End()

	if e.metrics != nil {
		e.metrics.ActiveTrips.Inc()
		defer e.metrics.ActiveTrips.Dec()
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
			e.logger.ErrorContext(ctx, "trip panicked",
				slog.String("trip_id", trip.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}

		status := domain.TripCompleted
		if err != nil {
			status = domain.TripFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.fail(ctx, trip, err)
		}
		if e.metrics != nil {
			e.metrics.TripsTotal.WithLabelValues(string(status)).Inc()
			e.metrics.TripDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
		}
	}()

	err = e.execute(ctx, trip)
}

func (e *Engine) execute(ctx context.Context, trip *domain.Trip) error {
	pol, err := e.policies.Resolve(ctx, trip)
	if err != nil {
		return fmt.Errorf("resolving policy: %w", err)
	}

	running := domain.TripRunning
	update := TripUpdate{Status: &running}
	if pol != nil {
		update.PolicyID = &pol.ID
		trip.PolicyID = &pol.ID
	}
	if err := e.trips.UpdateTrip(ctx, trip.ID, update); err != nil {
		return fmt.Errorf("marking trip running: %w", err)
	}
	trip.Status = domain.TripRunning
	e.publish(events.New(events.TripStarted, trip.ID, map[string]any{
		"goal":      trip.Goal,
		"policy_id": policyIDString(pol),
	}))

	plan, err := e.planner.Decompose(ctx, trip.Goal)
	if err != nil {
		return fmt.Errorf("decomposing goal: %w", err)
	}
	params := plan.Params
	if trip.TotalBudget != nil && params.BudgetCeiling == 0 {
		params.BudgetCeiling = *trip.TotalBudget
	}
	st := tripstate.New(trip.ID, trip.Goal, params, trip.TotalSpent).WithPolicy(pol, trip.OrgID)

	e.logger.InfoContext(ctx, "trip planned",
		slog.String("trip_id", trip.ID.String()),
		slog.Int("tasks", len(plan.Tasks)),
		slog.Any("required", plan.Required),
		slog.Any("optional", plan.Optional),
	)
	e.publish(events.New(events.Progress, trip.ID, map[string]any{
		"message": fmt.Sprintf("planned %d sub-task(s)", len(plan.Tasks)),
		"plan":    plan,
	}))

	if err := e.schedule(ctx, st, plan); err != nil {
		return err
	}

	summary := st.Summary()
	narrative, err := e.planner.Synthesize(ctx, summary)
	if err != nil {
		return fmt.Errorf("synthesizing summary: %w", err)
	}

	completed := domain.TripCompleted
	if err := e.trips.UpdateTrip(ctx, trip.ID, TripUpdate{Status: &completed, Summary: &narrative}); err != nil {
		return fmt.Errorf("marking trip completed: %w", err)
	}
	trip.Status = domain.TripCompleted
	trip.Summary = narrative

	e.logger.InfoContext(ctx, "trip completed",
		slog.String("trip_id", trip.ID.String()),
		slog.Int("bookings", len(summary.Bookings)),
		slog.Float64("total_spent", summary.TotalSpent),
	)
	e.publish(events.New(events.TripCompleted, trip.ID, map[string]any{
		"summary":     narrative,
		"bookings":    summary.Bookings,
		"total_spent": summary.TotalSpent,
		"results":     summary.Results,
	}))
	return nil
}

// schedule runs the flight phase, then the remaining domains concurrently.
// After a required failure no new sub-task starts; running ones finish.
func (e *Engine) schedule(ctx context.Context, st *tripstate.State, plan *domain.TripPlan) error {
	var rest []domain.PlanTask
	for _, t := range plan.Tasks {
		if t.Domain == domain.DomainFlight {
			if err := e.runSubTask(ctx, st, plan, t); err != nil {
				for _, r := range plan.Tasks {
					if r.Domain != domain.DomainFlight {
						e.notStarted(st, plan, r)
					}
				}
				return err
			}
			continue
		}
		rest = append(rest, t)
	}
	if len(rest) == 0 {
		return nil
	}

	var aborted atomic.Bool
	var g errgroup.Group
	g.SetLimit(e.config.parallelSubtasks())
	for _, t := range rest {
		if aborted.Load() {
			e.notStarted(st, plan, t)
			continue
		}
		g.Go(func() error {
			if aborted.Load() {
				e.notStarted(st, plan, t)
				return nil
			}
			if err := e.runSubTask(ctx, st, plan, t); err != nil {
				aborted.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// runSubTask attempts t at most twice and records its result. It returns an
// error only when a required sub-task failed.
func (e *Engine) runSubTask(ctx context.Context, st *tripstate.State, plan *domain.TripPlan, t domain.PlanTask) error {
	optional := plan.IsOptional(t.Domain)
	ctx, span := e.tracer.Start(ctx, "subtask."+string(t.Domain),
		trace.WithAttributes(observability.SubTaskAttributes(st.TripID().String(), t.Domain, optional)...))
	defer span.End()

	runner, err := e.agents.Get(t.Domain)
	var out agent.Outcome
	attempts := 0
	if err == nil {
		for attempts < maxAttempts {
			attempts++
			out, err = e.attempt(ctx, runner, st)
			if err == nil || !agent.IsRetryable(err) || ctx.Err() != nil {
				break
			}
			if attempts < maxAttempts {
				e.logger.WarnContext(ctx, "sub-task failed, retrying once",
					slog.String("trip_id", st.TripID().String()),
					slog.String("domain", string(t.Domain)),
					slog.String("error", err.Error()),
				)
				if e.metrics != nil {
					e.metrics.SubtaskRetriesTotal.WithLabelValues(string(t.Domain)).Inc()
				}
			}
		}
	}

	res := domain.SubTaskResult{
		Domain:   t.Domain,
		Goal:     t.Goal,
		Optional: optional,
		Attempts: attempts,
	}
	switch {
	case err == nil:
		res.Status = domain.SubTaskSuccess
		res.Output = out.Output
	case optional:
		res.Status = domain.SubTaskSkipped
		res.Error = err.Error()
	default:
		res.Status = domain.SubTaskFailed
		res.Error = err.Error()
	}
	st.AddResult(res)
	span.SetAttributes(observability.AttrSubTaskAttempts.Int(attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WarnContext(ctx, "sub-task did not succeed",
			slog.String("trip_id", st.TripID().String()),
			slog.String("domain", string(t.Domain)),
			slog.String("status", string(res.Status)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
	}
	if e.metrics != nil {
		e.metrics.SubtasksTotal.WithLabelValues(string(t.Domain), string(res.Status)).Inc()
	}
	e.publish(events.New(events.SubTaskCompleted, st.TripID(), map[string]any{
		"domain":   t.Domain,
		"status":   res.Status,
		"attempts": res.Attempts,
		"optional": res.Optional,
		"output":   res.Output,
		"error":    res.Error,
	}))

	if res.Status == domain.SubTaskFailed {
		return fmt.Errorf("%w: %s: %v", ErrRequiredSubTaskFailed, t.Domain, err)
	}
	return nil
}

// attempt runs one try of a sub-task. A panicking agent fails the attempt
// rather than the process.
func (e *Engine) attempt(ctx context.Context, r agent.Runner, st *tripstate.State) (out agent.Outcome, err error) {
	if d := e.config.SubtaskTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", r.Name(), rec)
		}
	}()
	return r.Run(ctx, st)
}

// notStarted records a sub-task that was never scheduled because the trip
// aborted.
func (e *Engine) notStarted(st *tripstate.State, plan *domain.TripPlan, t domain.PlanTask) {
	st.AddResult(domain.SubTaskResult{
		Domain:   t.Domain,
		Goal:     t.Goal,
		Status:   domain.SubTaskSkipped,
		Optional: plan.IsOptional(t.Domain),
		Error:    "not started: trip aborted",
	})
}

// fail persists the failure and publishes trip_failed. It uses a context
// detached from cancellation so shutdown still records the outcome. A trip
// that already reached a terminal status keeps it, and fail reports false.
func (e *Engine) fail(ctx context.Context, trip *domain.Trip, cause error) bool {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	failed := domain.TripFailed
	if err := e.trips.UpdateTrip(ctx, trip.ID, TripUpdate{Status: &failed, Error: &msg}); err != nil {
		if errors.Is(err, ErrTripFinished) {
			e.logger.WarnContext(ctx, "trip already finished, failure not recorded",
				slog.String("trip_id", trip.ID.String()),
				slog.String("error", msg),
			)
			return false
		}
		e.logger.ErrorContext(ctx, "recording trip failure",
			slog.String("trip_id", trip.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	trip.Status = domain.TripFailed
	trip.Error = msg

	level := slog.LevelWarn
	if !errors.Is(cause, ErrRequiredSubTaskFailed) {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "trip failed",
		slog.String("trip_id", trip.ID.String()),
		slog.String("error", msg),
	)
	e.publish(events.New(events.TripFailed, trip.ID, map[string]any{"error": msg}))
	return true
}

func policyIDString(p *domain.CorporatePolicy) string {
	if p == nil {
		return ""
	}
	return p.ID.String()
}
