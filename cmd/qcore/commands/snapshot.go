package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/core"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/logger"
	"github.com/entanglab/qcore/store"
)

// SnapshotCmd prints a diagnostic snapshot of persisted state without
// starting the scheduler or the API server.
var SnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print a diagnostic snapshot of a persisted state file",
	RunE:  runSnapshot,
}

var snapshotStorePath string

func init() {
	SnapshotCmd.Flags().StringVar(&snapshotStorePath, "store", "", "SQLite snapshot path (overrides config)")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if snapshotStorePath != "" {
		cfg.Store.Path = snapshotStorePath
	}
	if cfg.Store.Path == "" {
		return errors.New("no snapshot store configured; pass --store or set store.path")
	}

	log := logger.Logger

	st, err := store.OpenStore(cfg.Store.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open snapshot store")
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return errors.Wrap(err, "failed to migrate snapshot store")
	}

	c := core.New(cfg, log)
	c.AttachStore(st)
	if err := c.Recover(); err != nil {
		return errors.Wrap(err, "failed to recover snapshot")
	}

	output, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format snapshot")
	}
	fmt.Println(string(output))
	return nil
}
