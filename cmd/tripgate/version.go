package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// buildCommit falls back to the VCS revision stamped by the go tool.
func buildCommit() string {
	if commit != "" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	return "unknown"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		built := date
		if built == "" {
			built = "unknown"
		}
		fmt.Printf("tripgate %s (commit: %s, built: %s, %s %s/%s)\n",
			version, buildCommit(), built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
