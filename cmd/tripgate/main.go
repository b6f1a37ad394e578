// tripgate runs the policy-governed travel booking orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tripgate",
	Short: "tripgate books business trips within corporate travel policy.",
	Long: `tripgate turns a free-text travel goal into flight, hotel, transport and
activity bookings. Every booking is checked against the organization's
active travel policy, soft violations wait for a human approval, and every
tool call and booking is written to an append-only audit log.`,
	RunE:          runServe, // Default to serve.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.tripgate/config.yaml)")
	rootCmd.AddCommand(serveCmd, tripCmd, approvalCmd, policyCmd, sandboxMCPCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
