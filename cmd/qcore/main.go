package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entanglab/qcore/cmd/qcore/commands"
	"github.com/entanglab/qcore/logger"
)

var rootCmd = &cobra.Command{
	Use:   "qcore",
	Short: "qcore - quantum resource and coherence management core",
	Long: `qcore manages quantum resource handles and their coherence lifecycle.

It enforces no-cloning on handle access, tracks entangled systems with
collapse propagation, runs the decoherence scheduler, and accounts
distributed coherence budgets per session.

Available commands:
  serve    - Start the coherence core with its HTTP/WebSocket API
  snapshot - Print a one-shot diagnostic snapshot of a persisted state file
  version  - Show version information

Examples:
  qcore serve                      # Run with qcore.toml / defaults
  qcore serve --store qcore.db     # Persist snapshots to SQLite
  qcore snapshot --store qcore.db  # Inspect persisted state
  qcore version -j                 # Version info as JSON`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console format")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SnapshotCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
