package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/ui"
)

var (
	runsStatus string
	runsLimit  int

	errorsRunID int64
	errorsSKU   string
	errorsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List sync run history",
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

		runs, err := st.Runs(context.Background(), store.RunFilter{
			Mode:   string(cfg.Mode),
			Status: runsStatus,
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println(ui.Muted.Render("No runs recorded."))
			return nil
		}

		for _, run := range runs {
			duration := ""
			if run.FinishedAt != nil {
				duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Printf("#%-5d %-22s %-8s %-9s polled=%-4d pushes=%-4d skipped=%-4d errors=%-4d %s\n",
				run.ID, run.StartedAt.Format(time.RFC3339), run.Trigger, ui.RunStatus(run.Status),
				run.Counters.Polled, run.Counters.Pushes, run.Counters.Skipped, run.Counters.Errors,
				ui.Muted.Render(duration))
		}
		return nil
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List recorded sync failures",
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

		errs, err := st.Errors(context.Background(), store.ErrorFilter{
			Mode:  string(cfg.Mode),
			RunID: errorsRunID,
			SKU:   errorsSKU,
			Limit: errorsLimit,
		})
		if err != nil {
			return err
		}
		if len(errs) == 0 {
			fmt.Println(ui.Success.Render("No errors recorded."))
			return nil
		}

		for _, e := range errs {
			sku := "-"
			if e.SKU != nil {
				sku = *e.SKU
			}
			fulfilID := "-"
			if e.FulfilProductID != nil {
				fulfilID = fmt.Sprintf("%d", *e.FulfilProductID)
			}
			fmt.Printf("%s run=%d stage=%s sku=%s fulfil_id=%s\n  %s\n",
				ui.Muted.Render(e.CreatedAt.Format(time.RFC3339)), e.RunID, e.Stage, ui.Accent.Render(sku),
				fulfilID, ui.Error.Render(e.Message))
			if e.PayloadSnippet != nil {
				fmt.Printf("  payload: %s\n", ui.Muted.Render(*e.PayloadSnippet))
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (success, partial, failed, running)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")
	rootCmd.AddCommand(runsCmd)

	errorsCmd.Flags().Int64Var(&errorsRunID, "run", 0, "Filter by run id")
	errorsCmd.Flags().StringVar(&errorsSKU, "sku", "", "Filter by SKU")
	errorsCmd.Flags().IntVar(&errorsLimit, "limit", 50, "Maximum errors to show")
	rootCmd.AddCommand(errorsCmd)
}
