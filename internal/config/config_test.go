package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Type != "file" || cfg.Storage.Path != "/var/lib/dutywatch" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Tracking.Timezone != "Asia/Ho_Chi_Minh" || cfg.Tracking.SummaryTime != "23:59" {
		t.Errorf("tracking = %+v", cfg.Tracking)
	}
	if cfg.Zone.Classifier != "phrase" || cfg.Zone.Name != "Vinewood Park Dr" {
		t.Errorf("zone = %+v", cfg.Zone)
	}
	if len(cfg.Zone.AuthorizedVehicles) != 3 {
		t.Errorf("authorized vehicles = %v", cfg.Zone.AuthorizedVehicles)
	}
	if len(cfg.Discord.GameKeywords) != 5 {
		t.Errorf("game keywords = %v", cfg.Discord.GameKeywords)
	}

	h, m, err := cfg.SummaryClock()
	if err != nil || h != 23 || m != 59 {
		t.Errorf("SummaryClock() = %d, %d, %v", h, m, err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
discord:
  token: file-token
  admin_user_ids: ["42"]
  channels:
    duty: "100"
    report: "200"
storage:
  type: redis
  redis:
    host: redis.internal
    key_prefix: dw
tracking:
  timezone: UTC
  summary_time: "07:30"
zone:
  name: Docks
  location_marker: Docks
`)
	t.Setenv("DUTYWATCH_DISCORD_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.Token != "env-token" {
		t.Errorf("token = %q, want the environment to win", cfg.Discord.Token)
	}
	if !cfg.Discord.IsAdmin("42") || cfg.Discord.IsAdmin("43") {
		t.Errorf("admin ids = %v", cfg.Discord.AdminUserIDs)
	}
	if cfg.Discord.Channels.Duty != "100" || cfg.Discord.Channels.Ledger != "" {
		t.Errorf("channels = %+v", cfg.Discord.Channels)
	}
	if cfg.Storage.Redis.Host != "redis.internal" || cfg.Storage.Redis.Port != 6379 || cfg.Storage.Redis.KeyPrefix != "dw" {
		t.Errorf("redis = %+v", cfg.Storage.Redis)
	}

	g := cfg.Grammar()
	if g.LocationMarker != "Docks" || g.VehicleMarker != "bên trong xe" {
		t.Errorf("Grammar() = %+v", g)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "bad port", body: "server:\n  metrics_port: 70000\n", wantErr: "metrics port"},
		{name: "empty storage path", body: "storage:\n  path: \"\"\n", wantErr: "storage path"},
		{name: "unknown storage", body: "storage:\n  type: bolt\n", wantErr: "unknown storage type"},
		{name: "bad redis timeout", body: "storage:\n  type: redis\n  redis:\n    read_timeout: soon\n", wantErr: "read_timeout"},
		{name: "bad timezone", body: "tracking:\n  timezone: Mars/Olympus\n", wantErr: "tracking.timezone"},
		{name: "bad summary time", body: "tracking:\n  summary_time: \"25:00\"\n", wantErr: "summary_time"},
		{name: "unknown classifier", body: "zone:\n  classifier: regex\n", wantErr: "unknown zone classifier"},
		{name: "rego without policy", body: "zone:\n  classifier: rego\n", wantErr: "policy_file"},
		{name: "bad log format", body: "logging:\n  format: xml\n", wantErr: "logging format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_SyntaxError(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unterminated\n")); err == nil {
		t.Fatal("Load() succeeded on malformed YAML")
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()
	for _, k := range []string{"discord.channels.zone", "storage.redis.key_prefix", "zone.policy_file", "tracking.summary_time"} {
		if !keys[k] {
			t.Errorf("ValidKeys() missing %s", k)
		}
	}
	if keys["dns.upstream_servers"] {
		t.Error("ValidKeys() contains an unrelated key")
	}
}
