package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/orchestrator"
)

var (
	tripOrg         string
	tripUser        string
	tripPolicy      string
	tripBudget      float64
	tripAutoApprove bool
	tripListStatus  string
	tripListLimit   int
)

var tripCmd = &cobra.Command{
	Use:   "trip",
	Short: "Run and inspect trips",
}

var tripRunCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Plan and book a trip in this process, streaming its events",
	Long: `Runs one trip to completion without starting the HTTP API. Approval
requests can be decided from another terminal with "tripgate approval decide",
or approved automatically with --auto-approve.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTrip,
}

var tripShowCmd = &cobra.Command{
	Use:   "show <trip_id>",
	Short: "Print a trip with its bookings",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid trip id %q: %w", args[0], err)
		}
		core, err := openCore()
		if err != nil {
			return err
		}
		defer core.Cleanup()

		ctx := context.Background()
		trip, err := core.Store.Trips().GetTrip(ctx, id)
		if err != nil {
			return err
		}
		bookings, err := core.Audit.Bookings(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(orchestrator.TripDetail{Trip: *trip, Bookings: bookings})
	},
}

var tripListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent trips",
	RunE: func(_ *cobra.Command, _ []string) error {
		core, err := openCore()
		if err != nil {
			return err
		}
		defer core.Cleanup()

		trips, err := core.Store.Trips().ListTrips(context.Background(), orchestrator.TripFilter{
			OrgID:  tripOrg,
			UserID: tripUser,
			Status: domain.TripStatus(tripListStatus),
			Limit:  tripListLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(trips)
	},
}

func init() {
	tripRunCmd.Flags().StringVar(&tripOrg, "org", "", "organization id (selects the active policy)")
	tripRunCmd.Flags().StringVar(&tripUser, "user", "cli", "user id recorded on the trip")
	tripRunCmd.Flags().StringVar(&tripPolicy, "policy", "", "explicit policy id")
	tripRunCmd.Flags().Float64Var(&tripBudget, "budget", 0, "total trip budget (0 = none)")
	tripRunCmd.Flags().BoolVar(&tripAutoApprove, "auto-approve", false, "approve every soft violation automatically")

	tripListCmd.Flags().StringVar(&tripOrg, "org", "", "filter by organization id")
	tripListCmd.Flags().StringVar(&tripUser, "user", "", "filter by user id")
	tripListCmd.Flags().StringVar(&tripListStatus, "status", "", "filter by status")
	tripListCmd.Flags().IntVar(&tripListLimit, "limit", 20, "maximum trips to list")

	tripCmd.AddCommand(tripRunCmd, tripShowCmd, tripListCmd)
}

func runTrip(_ *cobra.Command, args []string) error {
	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Cleanup()
	logger := core.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := core.StartEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), core.Config.Server.ShutdownTimeout())
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping trip engine", slog.String("error", err.Error()))
		}
	}()

	req := orchestrator.SubmitRequest{
		Goal:   strings.Join(args, " "),
		OrgID:  tripOrg,
		UserID: tripUser,
	}
	if tripPolicy != "" {
		id, err := uuid.Parse(tripPolicy)
		if err != nil {
			return fmt.Errorf("invalid policy id %q: %w", tripPolicy, err)
		}
		req.PolicyID = &id
	}
	if tripBudget > 0 {
		req.TotalBudget = &tripBudget
	}

	trip, err := engine.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "trip %s submitted\n", trip.ID)

	sub := core.Hub.Subscribe(trip.ID, events.DefaultBuffer)
	defer sub.Close()
	go printEvents(sub)
	if tripAutoApprove {
		go autoApprove(ctx, core, trip.ID)
	}

	detail, err := engine.Wait(ctx, trip.ID)
	if err != nil {
		return err
	}
	if err := printJSON(detail); err != nil {
		return err
	}
	if detail.Status == domain.TripFailed {
		return fmt.Errorf("trip failed: %s", detail.Error)
	}
	return nil
}

func printEvents(sub *events.Subscription) {
	for ev := range sub.C() {
		fmt.Fprintf(os.Stderr, "%s  %-18s %v\n", ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.Data)
	}
}

// autoApprove polls for the trip's pending approvals and approves them.
func autoApprove(ctx context.Context, core *Core, tripID uuid.UUID) {
	ticker := time.NewTicker(core.Config.Approval.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pending, err := core.Gate.List(ctx, &tripID)
		if err != nil {
			core.Logger.Warn("listing approvals", slog.String("error", err.Error()))
			continue
		}
		for _, a := range pending {
			if a.Status != domain.ApprovalPending {
				continue
			}
			if _, err := core.Gate.Decide(ctx, a.ID, true, "cli:auto-approve"); err != nil {
				core.Logger.Warn("auto-approving",
					slog.String("approval_id", a.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
