package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftwood.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("missing config file must fall back to defaults: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("server.port = %d, want 3000", cfg.Server.Port)
	}
	if !cfg.Federation.Enabled {
		t.Error("federation defaults to enabled")
	}
	if cfg.Federation.MaxClockSkewSeconds != 300 {
		t.Errorf("max_clock_skew_seconds = %d, want 300", cfg.Federation.MaxClockSkewSeconds)
	}
	if cfg.Federation.DedupeWindowSeconds != 172800 {
		t.Errorf("dedupe_window_seconds = %d, want 172800", cfg.Federation.DedupeWindowSeconds)
	}
	if cfg.Federation.RateLimitMax != 100 {
		t.Errorf("rate_limit_max = %d, want 100", cfg.Federation.RateLimitMax)
	}
	if cfg.Federation.RemoteActorTTLSeconds != 86400 {
		t.Errorf("remote_actor_ttl_seconds = %d, want 86400", cfg.Federation.RemoteActorTTLSeconds)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 4100
url = "https://social.example"

[federation]
enabled = false
instance_name = "Test Social"
rate_limit_max = 50

[logging]
level = "debug"
format = "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Listen() != "127.0.0.1:4100" {
		t.Errorf("listen = %s", cfg.Server.Listen())
	}
	if cfg.Federation.Enabled {
		t.Error("federation.enabled = true, want false")
	}
	if cfg.Federation.InstanceName != "Test Social" {
		t.Errorf("instance_name = %q", cfg.Federation.InstanceName)
	}
	if cfg.Federation.RateLimitMax != 50 {
		t.Errorf("rate_limit_max = %d", cfg.Federation.RateLimitMax)
	}

	origin, err := cfg.Server.Origin()
	if err != nil {
		t.Fatal(err)
	}
	if origin.Host != "social.example" {
		t.Errorf("origin host = %s", origin.Host)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRIFTWOOD_SERVER_URL", "https://env.example")
	t.Setenv("DRIFTWOOD_DATABASE_MAX_CONNECTIONS", "7")
	t.Setenv("DRIFTWOOD_FEDERATION_ENABLED", "false")
	t.Setenv("DRIFTWOOD_FEDERATION_RATE_LIMIT_MAX", "25")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.URL != "https://env.example" {
		t.Errorf("server.url = %q", cfg.Server.URL)
	}
	if cfg.Database.MaxConnections != 7 {
		t.Errorf("max_connections = %d", cfg.Database.MaxConnections)
	}
	if cfg.Federation.Enabled {
		t.Error("env override of federation.enabled not applied")
	}
	if cfg.Federation.RateLimitMax != 25 {
		t.Errorf("rate_limit_max = %d", cfg.Federation.RateLimitMax)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		toml string
	}{
		{"bad scheme", "[server]\nurl = \"ftp://x.example\"\n"},
		{"bad port", "[server]\nport = 99999\n"},
		{"zero conns", "[database]\nmax_connections = 0\n"},
		{"empty database url", "[database]\nurl = \"\"\n"},
		{"bad log level", "[logging]\nlevel = \"verbose\"\n"},
		{"bad log format", "[logging]\nformat = \"xml\"\n"},
		{"zero rate limit", "[federation]\nrate_limit_max = 0\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.toml)); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}
