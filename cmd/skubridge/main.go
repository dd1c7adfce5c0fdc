// skubridge mediates product master data between a Fulfil ERP tenant and a
// ShipHero warehouse, keeping a local SQLite mirror and pushing only the
// records whose downstream payload actually changed.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skubridge/skubridge/internal/config"
	"github.com/skubridge/skubridge/internal/fulfil"
	"github.com/skubridge/skubridge/internal/logging"
	"github.com/skubridge/skubridge/internal/shiphero"
	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/syncer"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skubridge",
	Short: "Product sync between Fulfil and ShipHero",
	Long: `skubridge keeps a ShipHero warehouse's product catalog in step with a
Fulfil ERP tenant.

It polls Fulfil for products changed since the last sync, mirrors them into
a local SQLite database, and pushes creates/updates to ShipHero only when
the downstream payload actually changed. ShipHero's GraphQL schema varies
between tenants, so the client introspects the product mutations at startup
and adapts its requests accordingly.

Run "skubridge serve" for the long-running daemon with HTTP API, or
"skubridge sync" for a one-shot pass.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./skubridge.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Snapshot, *viper.Viper, error) {
	snap, v, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return snap, v, nil
}

// buildSyncer constructs the full client stack for one configuration
// snapshot. Reload paths call this again and swap the result in; nothing is
// mutated in place.
func buildSyncer(ctx context.Context, cfg *config.Snapshot, st *store.Store, events syncer.Events, logger *log.Logger) (*syncer.Syncer, error) {
	if cfg.Fulfil.Subdomain == "" || cfg.Fulfil.APIKey == "" {
		return nil, fmt.Errorf("fulfil subdomain and api key are required for mode %s", cfg.Mode)
	}
	if cfg.ShipHero.RefreshToken == "" {
		return nil, fmt.Errorf("shiphero refresh token is required for mode %s", cfg.Mode)
	}

	upstream := fulfil.New(cfg.Fulfil.Subdomain, cfg.Fulfil.APIKey, logging.New("[fulfil] ", cfg.Log))

	downstream, err := shiphero.New(ctx, shiphero.Config{
		RefreshToken:       cfg.ShipHero.RefreshToken,
		OAuthURL:           cfg.ShipHero.OAuthURL,
		APIBaseURL:         cfg.ShipHero.APIBaseURL,
		DefaultWarehouseID: cfg.ShipHero.DefaultWarehouseID,
		Logger:             logging.New("[shiphero] ", cfg.Log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize shiphero client: %w", err)
	}

	return syncer.New(string(cfg.Mode), upstream, downstream, st, events, logger), nil
}
