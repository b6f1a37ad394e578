package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	approvalTrip    string
	approvalApprove bool
	approvalReject  bool
	approvalBy      string
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "List and decide human approvals",
	Long: `Approvals are decided directly in the database. A trip waiting in any
tripgate process picks the decision up on its next poll.`,
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals, optionally for one trip",
	RunE: func(_ *cobra.Command, _ []string) error {
		var tripID *uuid.UUID
		if approvalTrip != "" {
			id, err := uuid.Parse(approvalTrip)
			if err != nil {
				return fmt.Errorf("invalid trip id %q: %w", approvalTrip, err)
			}
			tripID = &id
		}
		core, err := openCore()
		if err != nil {
			return err
		}
		defer core.Cleanup()

		list, err := core.Gate.List(context.Background(), tripID)
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var approvalDecideCmd = &cobra.Command{
	Use:   "decide <approval_id> (--approve | --reject)",
	Short: "Record a decision on a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if approvalApprove == approvalReject {
			return fmt.Errorf("exactly one of --approve or --reject is required")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid approval id %q: %w", args[0], err)
		}
		core, err := openCore()
		if err != nil {
			return err
		}
		defer core.Cleanup()

		a, err := core.Gate.Decide(context.Background(), id, approvalApprove, approvalBy)
		if err != nil {
			return err
		}
		return printJSON(a)
	},
}

func init() {
	approvalListCmd.Flags().StringVar(&approvalTrip, "trip", "", "only approvals for this trip id")

	approvalDecideCmd.Flags().BoolVar(&approvalApprove, "approve", false, "approve the action")
	approvalDecideCmd.Flags().BoolVar(&approvalReject, "reject", false, "reject the action")
	approvalDecideCmd.Flags().StringVar(&approvalBy, "by", "cli", "decider recorded on the approval")

	approvalCmd.AddCommand(approvalListCmd, approvalDecideCmd)
}
