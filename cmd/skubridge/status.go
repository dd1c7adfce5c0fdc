package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cursor position, mirror size, and the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		status, err := st.SyncStatus(context.Background(), string(cfg.Mode))
		if err != nil {
			return err
		}

		fmt.Printf("Mode:     %s\n", ui.Accent.Render(status.Mode))
		fmt.Printf("Products: %d mirrored\n", status.ProductCount)
		if status.Cursor.LastWriteTS.IsZero() {
			fmt.Printf("Cursor:   %s\n", ui.Muted.Render("not set (next run is an initial sync)"))
		} else {
			fmt.Printf("Cursor:   %s (id %d)\n", status.Cursor.LastWriteTS.Format(time.RFC3339), status.Cursor.LastID)
		}

		if status.LastRun == nil {
			fmt.Printf("Last run: %s\n", ui.Muted.Render("none"))
			return nil
		}

		run := status.LastRun
		fmt.Printf("Last run: #%d %s (%s, started %s)\n",
			run.ID, ui.RunStatus(run.Status), run.Trigger, run.StartedAt.Format(time.RFC3339))
		fmt.Printf("          polled=%d upserts=%d pushes=%d skipped=%d errors=%d\n",
			run.Counters.Polled, run.Counters.Upserts, run.Counters.Pushes,
			run.Counters.Skipped, run.Counters.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
