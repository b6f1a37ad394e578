package main

import (
	"github.com/spf13/cobra"

	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/provider/mcp"
)

var sandboxMCPCmd = &cobra.Command{
	Use:   "sandbox-mcp",
	Short: "Serve the sandbox booking providers as an MCP server on stdio",
	Long: `Exposes search, details, book and cancel tools for every booking domain,
backed by the deterministic sandbox catalog. Point a providers.mcp entry
with transport "stdio" at this command to exercise the MCP bridge end to
end.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return mcp.ServeStdio(provider.SandboxSet(), version)
	},
}
