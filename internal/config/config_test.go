package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "skubridge.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadResolvesActiveMode(t *testing.T) {
	path := writeConfig(t, `
mode: test
poll_interval_minutes: 2
fulfil:
  live:
    subdomain: acme
    api_key: live-key
  test:
    subdomain: acme-sandbox
    api_key: test-key
shiphero:
  test:
    refresh_token: rt-test
    default_warehouse_id: wh-1
`)

	snap, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if snap.Mode != ModeTest {
		t.Errorf("mode = %q, want test", snap.Mode)
	}
	if snap.PollInterval != 2*time.Minute {
		t.Errorf("poll interval = %v, want 2m", snap.PollInterval)
	}
	if snap.Fulfil.Subdomain != "acme-sandbox" || snap.Fulfil.APIKey != "test-key" {
		t.Errorf("fulfil config = %+v, want test-mode values", snap.Fulfil)
	}
	if snap.ShipHero.RefreshToken != "rt-test" {
		t.Errorf("shiphero refresh token = %q, want rt-test", snap.ShipHero.RefreshToken)
	}
	if snap.ShipHero.DefaultWarehouseID != "wh-1" {
		t.Errorf("default warehouse = %q, want wh-1", snap.ShipHero.DefaultWarehouseID)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "mode: live\n")

	snap, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if snap.PollInterval != 5*time.Minute {
		t.Errorf("poll interval = %v, want 5m default", snap.PollInterval)
	}
	if snap.ShipHero.OAuthURL != "https://public-api.shiphero.com/auth/refresh" {
		t.Errorf("oauth url default = %q", snap.ShipHero.OAuthURL)
	}
	if snap.ShipHero.APIBaseURL != "https://public-api.shiphero.com" {
		t.Errorf("api base url default = %q", snap.ShipHero.APIBaseURL)
	}
	if snap.DatabasePath != "skubridge.db" {
		t.Errorf("database path default = %q", snap.DatabasePath)
	}
	if snap.Log.File != "logs/sync.log" {
		t.Errorf("log file default = %q", snap.Log.File)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	path := writeConfig(t, "mode: staging\n")

	if _, _, err := Load(path); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestPollIntervalFloor(t *testing.T) {
	path := writeConfig(t, "mode: live\npoll_interval_minutes: 0\n")

	snap, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.PollInterval != time.Minute {
		t.Errorf("poll interval = %v, want 1m floor", snap.PollInterval)
	}
}
