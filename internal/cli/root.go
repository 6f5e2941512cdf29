// Package cli implements the pharmaq command-line interface using Cobra.
// serve runs the daemon; submit, status, cancel, and deadletters talk to a
// running daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pharmaq",
	Short: "PharmaQ: asynchronous pharma research orchestration",
	Long: `PharmaQ dispatches pharma research questions to a pool of agent workers
with durable job state, retry with backoff, event-driven follow-on analysis,
result caching, and rate limiting toward the LLM endpoint.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Daemon address (default from config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
