package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazypower/memvault/internal/meter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got := cfg.MeterPricing(); got != meter.DefaultPricing() {
		t.Errorf("default pricing = %+v, want %+v", got, meter.DefaultPricing())
	}
	if cfg.ListenAddr() != "127.0.0.1:37780" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[pricing]
search = 0.01

[limits]
max_records = 10
embedding_dimensions = 384

[reaper]
interval = "30s"

[log]
format = "console"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("server = %+v, want port 9000 on the default bind", cfg.Server)
	}
	if cfg.MeterPricing().Search != meter.CostFromDollars(0.01) || cfg.Pricing.Store != 0.001 {
		t.Errorf("pricing = %+v", cfg.Pricing)
	}
	if cfg.Limits.MaxRecords != 10 || cfg.Limits.EmbeddingDimensions != 384 || cfg.Limits.MaxTags != 32 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Reaper.Interval != 30*time.Second {
		t.Errorf("reaper.interval = %s, want 30s", cfg.Reaper.Interval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[server]\nprot = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a misspelled key")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("Load of a missing explicit path succeeded")
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without a config file: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 9000\n")
	t.Setenv("MEMVAULT_PORT", "9100")
	t.Setenv("MEMVAULT_MASTER_KEY", "c2VjcmV0")
	t.Setenv("MEMVAULT_BILLING_ENABLED", "true")
	t.Setenv("MEMVAULT_REAPER_INTERVAL", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want env 9100", cfg.Server.Port)
	}
	if cfg.Crypto.MasterKey != "c2VjcmV0" || !cfg.Billing.Enabled || cfg.Reaper.Interval != 5*time.Second {
		t.Errorf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("MEMVAULT_PORT", "many")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a non-numeric MEMVAULT_PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"pricing", func(c *Config) { c.Pricing.Get = -1 }},
		{"limits", func(c *Config) { c.Limits.MaxTopK = -1 }},
		{"reaper", func(c *Config) { c.Reaper.Interval = 0 }},
		{"billing batch", func(c *Config) { c.Billing.Enabled = true; c.Billing.Batch = 0 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
