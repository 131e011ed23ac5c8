package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "keys: [k1, k2]\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7860 || cfg.Limits.DailyPerKey != 25 {
		t.Fatalf("unexpected defaults: port=%d daily=%d", cfg.Server.Port, cfg.Limits.DailyPerKey)
	}
	if cfg.CacheTTL() != 20*time.Minute {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL())
	}
	if cfg.Upstream.MaxRetries != 0 {
		t.Fatalf("MaxRetries should default to 0 (every key once), got %d", cfg.Upstream.MaxRetries)
	}
	if Get() != cfg {
		t.Fatal("Get should return the loaded config")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KEYPULSE_API_KEYS", "a1, b2\nc3")
	t.Setenv("KEYPULSE_PORT", "9000")
	t.Setenv("KEYPULSE_ADMIN_PASSWORD", "secret")

	cfg, err := Load(writeConfig(t, "keys: [ignored]\nupstream:\n  max_retries: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(cfg.Keys, ",") != "a1,b2,c3" {
		t.Fatalf("keys = %v", cfg.Keys)
	}
	if cfg.Server.Port != 9000 || cfg.Server.AdminPassword != "secret" {
		t.Fatalf("env not applied: %+v", cfg.Server)
	}
	if cfg.Upstream.MaxRetries != 1 {
		t.Fatalf("MaxRetries = %d", cfg.Upstream.MaxRetries)
	}
}

func TestLoad_AutoAPIKeyIsPersisted(t *testing.T) {
	path := writeConfig(t, "server:\n  api_key: auto\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.Server.APIKey, "keypulse-user-") {
		t.Fatalf("api key = %q", cfg.Server.APIKey)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Server.APIKey != cfg.Server.APIKey {
		t.Fatal("generated key should be saved back to the file")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
