package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/core"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/internal/version"
	"github.com/entanglab/qcore/logger"
	"github.com/entanglab/qcore/server"
	"github.com/entanglab/qcore/store"
)

// ServeCmd runs the coherence core and its HTTP/WebSocket API
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coherence core with its HTTP/WebSocket API",
	Long: `Run the decoherence scheduler, expose the diagnostic API on the
configured address, and stream state-change events over /ws/events.
State is recovered from the snapshot store on startup when one is
configured, and persisted again on shutdown.`,
	RunE: runServe,
}

var (
	serveAddr      string
	serveStorePath string
	serveNoRecover bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	ServeCmd.Flags().StringVar(&serveStorePath, "store", "", "SQLite snapshot path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveNoRecover, "no-recover", false, "Skip snapshot recovery on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveStorePath != "" {
		cfg.Store.Path = serveStorePath
	}

	log := logger.Logger

	c := core.New(cfg, log)

	if cfg.Store.Path != "" {
		st, err := store.OpenStore(cfg.Store.Path, log)
		if err != nil {
			return errors.Wrap(err, "failed to open snapshot store")
		}
		defer st.Close()
		if err := st.Migrate(); err != nil {
			return errors.Wrap(err, "failed to migrate snapshot store")
		}
		c.AttachStore(st)

		if !serveNoRecover {
			if err := c.Recover(); err != nil {
				return errors.Wrap(err, "failed to recover snapshot")
			}
		}
	}

	c.Start()
	defer c.Stop()

	srv := server.New(c, cfg.Server, log)

	printServeBanner(cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
	case sig := <-sigChan:
		log.Infow("Shutting down", "signal", sig.String())
		srv.Shutdown()
	}

	return nil
}

func printServeBanner(cfg *config.Config) {
	info := version.Get()
	pterm.DefaultSection.Println("qcore coherence core")
	pterm.Info.Printf("Version:   %s (commit %s)\n", info.Version, info.CommitHash)
	pterm.Info.Printf("API:       http://%s/api/snapshot\n", cfg.Server.Addr)
	pterm.Info.Printf("Events:    ws://%s/ws/events\n", cfg.Server.Addr)
	if cfg.Store.Path != "" {
		pterm.Info.Printf("Snapshots: %s\n", cfg.Store.Path)
	}
	pterm.Info.Println("Press Ctrl+C to stop")
}
