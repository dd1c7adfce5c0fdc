package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skubridge/skubridge/internal/logging"
	"github.com/skubridge/skubridge/internal/shiphero"
	"github.com/skubridge/skubridge/internal/ui"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the ShipHero mutation shape discovered for this tenant",
	Long: `Authenticate against the configured ShipHero tenant, introspect its
product mutations, and print the calling convention the sync will use.

Useful when onboarding a new tenant: it shows which argument carries the
payload, which input types are in play, and which identifier the update
mutation accepts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := shiphero.New(ctx, shiphero.Config{
			RefreshToken:       cfg.ShipHero.RefreshToken,
			OAuthURL:           cfg.ShipHero.OAuthURL,
			APIBaseURL:         cfg.ShipHero.APIBaseURL,
			DefaultWarehouseID: cfg.ShipHero.DefaultWarehouseID,
			Logger:             logging.New("[shiphero] ", cfg.Log),
		})
		if err != nil {
			return err
		}

		shape := client.Shape()
		fmt.Printf("Source: %s\n", sourceLabel(shape.Source))
		printMutationShape("Create", shape.Create)
		printMutationShape("Update", shape.Update)
		return nil
	},
}

func sourceLabel(source string) string {
	if source == "introspection" {
		return ui.Success.Render("introspection")
	}
	return ui.Warn.Render(source)
}

func printMutationShape(label string, m shiphero.MutationShape) {
	fmt.Printf("%s: %s\n", label, ui.Accent.Render(m.Mutation))
	fmt.Printf("  payload arg: %s (%s)\n", m.InputArg, m.InputType)
	if m.IDArg != "" {
		fmt.Printf("  identifier:  %s argument\n", m.IDArg)
	} else {
		fmt.Printf("  identifier:  %s\n", ui.Muted.Render("none (SKU travels in the payload)"))
	}
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
