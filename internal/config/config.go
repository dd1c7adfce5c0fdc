// Package config loads the mediator configuration into an immutable snapshot.
//
// Clients and the orchestrator are constructed from a Snapshot taken at
// startup (or after a config change); nothing reads live configuration at
// call time. Reloading is "discard and reconstruct", never in-place mutation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Mode selects which set of upstream/downstream credentials is active.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Fulfil holds upstream ERP connection settings for one mode.
type Fulfil struct {
	Subdomain string
	APIKey    string
}

// ShipHero holds downstream WMS connection settings for one mode.
type ShipHero struct {
	RefreshToken       string
	OAuthURL           string
	APIBaseURL         string
	DefaultWarehouseID string
}

// Log configures the rotating sync log file. An empty File disables file
// output and logs go to stderr only.
type Log struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Snapshot is a point-in-time view of the configuration for the active mode.
type Snapshot struct {
	Mode         Mode
	PollInterval time.Duration
	DatabasePath string
	ListenAddr   string
	Fulfil       Fulfil
	ShipHero     ShipHero
	Log          Log
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeLive))
	v.SetDefault("poll_interval_minutes", 5)
	v.SetDefault("database_path", "skubridge.db")
	v.SetDefault("listen_addr", ":8080")
	for _, mode := range []string{"live", "test"} {
		v.SetDefault("shiphero."+mode+".oauth_url", "https://public-api.shiphero.com/auth/refresh")
		v.SetDefault("shiphero."+mode+".api_base_url", "https://public-api.shiphero.com")
	}
	v.SetDefault("log.file", "logs/sync.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration from the given file (or the default search path
// when path is empty) plus SKUBRIDGE_* environment overrides.
//
// The returned viper instance can be handed to Watch for hot reload; the
// Snapshot itself never changes after Load returns.
func Load(path string) (*Snapshot, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("skubridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/skubridge")
	}

	v.SetEnvPrefix("SKUBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: env vars and defaults still apply.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	snap, err := snapshotFrom(v)
	if err != nil {
		return nil, nil, err
	}
	return snap, v, nil
}

// FromViper builds a Snapshot from an already-loaded viper instance. Used by
// reload paths that re-read the same file.
func FromViper(v *viper.Viper) (*Snapshot, error) {
	return snapshotFrom(v)
}

func snapshotFrom(v *viper.Viper) (*Snapshot, error) {
	mode := Mode(strings.ToLower(v.GetString("mode")))
	switch mode {
	case ModeLive, ModeTest:
	default:
		return nil, fmt.Errorf("invalid mode %q: must be live or test", v.GetString("mode"))
	}

	minutes := v.GetInt("poll_interval_minutes")
	if minutes < 1 {
		minutes = 1
	}

	m := string(mode)
	return &Snapshot{
		Mode:         mode,
		PollInterval: time.Duration(minutes) * time.Minute,
		DatabasePath: v.GetString("database_path"),
		ListenAddr:   v.GetString("listen_addr"),
		Fulfil: Fulfil{
			Subdomain: v.GetString("fulfil." + m + ".subdomain"),
			APIKey:    v.GetString("fulfil." + m + ".api_key"),
		},
		ShipHero: ShipHero{
			RefreshToken:       v.GetString("shiphero." + m + ".refresh_token"),
			OAuthURL:           v.GetString("shiphero." + m + ".oauth_url"),
			APIBaseURL:         v.GetString("shiphero." + m + ".api_base_url"),
			DefaultWarehouseID: v.GetString("shiphero." + m + ".default_warehouse_id"),
		},
		Log: Log{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
	}, nil
}

// Watch invokes onChange with a fresh Snapshot whenever the config file is
// rewritten. Snapshots that fail validation are reported and skipped.
func Watch(v *viper.Viper, onChange func(*Snapshot), onError func(error)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		snap, err := snapshotFrom(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(snap)
	})
	v.WatchConfig()
}
