// Package cli wires the cobra command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Self-learning LLM-backed web application firewall",
	Long:  "Reverse proxy that evaluates every request with a local LLM judge, caches verdicts in Redis, and learns new detection rules from flagged traffic in the background.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
