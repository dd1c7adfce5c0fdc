package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skubridge/skubridge/internal/api"
	"github.com/skubridge/skubridge/internal/config"
	"github.com/skubridge/skubridge/internal/daemon"
	"github.com/skubridge/skubridge/internal/logging"
	"github.com/skubridge/skubridge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon with the HTTP API",
	Long: `Start the long-running service: an interval-driven sync daemon plus an
HTTP API for manual triggering, status, run history, and a websocket stream
of live sync progress.

The configuration file is watched; editing it reconstructs the upstream and
downstream clients without restarting the process. At most one sync run
executes at a time, and interval ticks that land during a run are dropped.

Endpoints:
  GET  /health        liveness and connected websocket clients
  POST /sync/run      trigger a run now (409 if one is in flight)
  GET  /sync/status   cursor position, mirror size, last run
  GET  /sync/runs     run history (filter: status, limit, offset)
  GET  /sync/errors   recorded failures (filter: run_id, sku, limit, offset)
  GET  /ws            websocket event stream`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, err := loadConfig()
		if err != nil {
			return err
		}

		logger := logging.New("[skubridge] ", cfg.Log)
		logger.Printf("Starting in %s mode (poll interval %s)", cfg.Mode, cfg.PollInterval)

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := api.NewHub(logger)
		hub.Start()
		defer hub.Stop()

		sy, err := buildSyncer(ctx, cfg, st, hub, logger)
		if err != nil {
			return err
		}

		d := daemon.New(sy, cfg.PollInterval, logging.New("[daemon] ", cfg.Log))
		d.Start(ctx)
		defer d.Stop()

		srv := api.NewServer(api.Config{
			Addr:   cfg.ListenAddr,
			Mode:   string(cfg.Mode),
			Store:  st,
			Daemon: d,
			Hub:    hub,
			Logger: logging.New("[api] ", cfg.Log),
		})
		if err := srv.Start(); err != nil {
			return err
		}

		// A config rewrite reconstructs the whole client stack and swaps it
		// into the daemon. Mode and listen address changes still need a
		// restart; everything credential-shaped reloads live.
		config.Watch(v,
			func(snap *config.Snapshot) {
				logger.Printf("Configuration changed, rebuilding clients")
				rebuilt, err := buildSyncer(ctx, snap, st, hub, logger)
				if err != nil {
					logger.Printf("Reload failed, keeping previous clients: %v", err)
					return
				}
				d.SetRunner(rebuilt)
				logger.Printf("Reload complete")
			},
			func(err error) {
				logger.Printf("Ignoring invalid configuration: %v", err)
			})

		fmt.Printf("skubridge serving on %s (mode: %s)\n", srv.Addr(), cfg.Mode)
		fmt.Printf("Websocket event stream: ws://%s/ws\n", srv.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		logger.Printf("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
