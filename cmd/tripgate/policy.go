package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tripgate/internal/orchestrator"
	"github.com/jkaninda/tripgate/internal/policy"
)

var (
	policyFile string
	policyOrg  string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage corporate travel policies",
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply -f <file.yaml>",
	Short: "Create policies from a YAML file (multiple documents allowed)",
	Long: `Each document creates one policy. When a document's organization already
has an active policy, that policy is deactivated first so the new one
replaces it.`,
	RunE: runPolicyApply,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	RunE: func(_ *cobra.Command, _ []string) error {
		core, err := openCore()
		if err != nil {
			return err
		}
		defer core.Cleanup()

		list, err := core.Admin.List(context.Background(), policyOrg)
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var policyReportCmd = &cobra.Command{
	Use:   "report <trip_id>",
	Short: "Print a trip's policy compliance report",
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
		violations, err := core.Audit.Violations(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(orchestrator.PolicyReport{
			TripID:     trip.ID,
			PolicyID:   trip.PolicyID,
			Status:     trip.Status,
			Violations: violations,
		})
	},
}

func init() {
	policyApplyCmd.Flags().StringVarP(&policyFile, "file", "f", "", "policy YAML file")
	_ = policyApplyCmd.MarkFlagRequired("file")
	policyListCmd.Flags().StringVar(&policyOrg, "org", "", "filter by organization id")

	policyCmd.AddCommand(policyApplyCmd, policyListCmd, policyReportCmd)
}

func runPolicyApply(_ *cobra.Command, _ []string) error {
	data, err := os.ReadFile(policyFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", policyFile, err)
	}
	docs, err := policy.ParseDocuments(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", policyFile, err)
	}

	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Cleanup()
	ctx := context.Background()

	for i, req := range docs {
		if req.IsActive == nil || *req.IsActive {
			if err := deactivateActive(ctx, core, req.OrgID); err != nil {
				return fmt.Errorf("document %d: %w", i+1, err)
			}
		}
		p, err := core.Admin.Create(ctx, req)
		if err != nil {
			if errors.Is(err, policy.ErrActivePolicyExists) {
				return fmt.Errorf("document %d: org %q gained an active policy concurrently: %w", i+1, req.OrgID, err)
			}
			return fmt.Errorf("document %d: %w", i+1, err)
		}
		core.Logger.Info("policy applied",
			slog.String("policy_id", p.ID.String()),
			slog.String("org_id", p.OrgID),
			slog.Int("rules", len(p.Rules)),
		)
		fmt.Printf("%s\t%s\t%s\n", p.ID, p.OrgID, p.Name)
	}
	return nil
}

func deactivateActive(ctx context.Context, core *Core, orgID string) error {
	existing, err := core.Admin.List(ctx, orgID)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if !p.IsActive || p.OrgID != orgID {
			continue
		}
		if err := core.Admin.Deactivate(ctx, p.ID); err != nil {
			return fmt.Errorf("deactivating policy %s: %w", p.ID, err)
		}
		core.Logger.Info("previous policy deactivated", slog.String("policy_id", p.ID.String()))
	}
	return nil
}
