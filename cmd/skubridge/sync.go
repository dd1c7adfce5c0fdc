package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/skubridge/skubridge/internal/logging"
	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/syncer"
	"github.com/skubridge/skubridge/internal/ui"
)

var syncSince string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long: `Execute a single delta sync: pull products changed since the cursor,
mirror them locally, and push changes to ShipHero.

With --since, the cursor is first rewound so everything modified after that
point is re-pulled. Accepts timestamps and natural phrases:

  skubridge sync --since "2024-05-01"
  skubridge sync --since "3 days ago"
  skubridge sync --since "last monday"

Records whose downstream payload is unchanged are skipped even when
re-pulled, so rewinding is safe to do generously.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		logger := logging.New("[skubridge] ", cfg.Log)

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if syncSince != "" {
			rewindTo, err := parseSince(syncSince)
			if err != nil {
				return err
			}
			if err := st.RewindCursor(ctx, string(cfg.Mode), rewindTo); err != nil {
				return err
			}
			fmt.Printf("Cursor rewound to %s\n", ui.Accent.Render(rewindTo.Format(time.RFC3339)))
		}

		sy, err := buildSyncer(ctx, cfg, st, nil, logger)
		if err != nil {
			return err
		}

		run, err := sy.RunDeltaSync(ctx, syncer.TriggerManual)
		if run != nil {
			printRun(run)
		}
		return err
	},
}

// parseSince accepts an RFC 3339 timestamp, a bare date, or a natural
// language phrase.
func parseSince(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time.UTC(), nil
}

func printRun(run *store.Run) {
	fmt.Printf("Run %d: %s\n", run.ID, ui.RunStatus(run.Status))
	fmt.Printf("  polled:  %d\n", run.Counters.Polled)
	fmt.Printf("  upserts: %d\n", run.Counters.Upserts)
	fmt.Printf("  pushes:  %d\n", run.Counters.Pushes)
	fmt.Printf("  skipped: %d\n", run.Counters.Skipped)
	if run.Counters.Errors > 0 {
		fmt.Printf("  errors:  %s\n", ui.Error.Render(fmt.Sprintf("%d", run.Counters.Errors)))
		fmt.Printf("\nSee %s for details.\n", ui.Muted.Render(fmt.Sprintf("skubridge errors --run %d", run.ID)))
	} else {
		fmt.Printf("  errors:  0\n")
	}
	if run.Message != nil {
		fmt.Printf("  message: %s\n", *run.Message)
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncSince, "since", "", "Rewind the cursor before syncing (timestamp or natural phrase)")
	rootCmd.AddCommand(syncCmd)
}
