package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Generation pipeline control plane",
	Long: `Crucible drives generation requests through tiered model routing,
validation scoring, automated refinement, and human escalation, and
records every accepted artifact in an append-only version graph.

Core capabilities:
- Routes tasks to model tiers by complexity (quick/scout/builder/architect)
- Calls providers through a gateway with circuit breakers and failover
- Scores every artifact and refines or escalates below-threshold output
- Parks low-confidence work for human review with durable escalations
- Commits accepted artifacts to a branch-per-request version graph`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
