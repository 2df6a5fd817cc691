package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/freshness"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halo.yaml")
	body := `
freshness:
  default_stale: 30s
  rules:
    - root: A
      stale: 5m
    - root: posts
      stale: 1m
persistence:
  allowed_roots: [A, journal]
storage:
  backend: badger
  badger_dir: /tmp/halo
connectivity:
  probe_url: https://example.invalid/ping
  reprobe_delay: 500ms
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	p, err := cfg.Freshness.Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if got := p.StaleDuration(domain.Key("A", 1)); got != 5*time.Minute {
		t.Fatalf("expected 5m for A, got %v", got)
	}
	if got := p.StaleDuration(domain.Key("other")); got != 30*time.Second {
		t.Fatalf("expected default 30s, got %v", got)
	}
	if cfg.Connectivity.ReprobeDelay != 500*time.Millisecond {
		t.Fatalf("expected reprobe 500ms, got %v", cfg.Connectivity.ReprobeDelay)
	}
	// Untouched sections keep defaults
	if cfg.Connectivity.Interval != 5*time.Second {
		t.Fatalf("expected default interval, got %v", cfg.Connectivity.Interval)
	}
	if len(cfg.Persistence.AllowedRoots) != 2 {
		t.Fatalf("expected 2 allowed roots, got %v", cfg.Persistence.AllowedRoots)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HALO_STORAGE_BACKEND", "redis")
	t.Setenv("HALO_REDIS_DB", "3")
	t.Setenv("HALO_ALLOWED_ROOTS", "A, journal ,,")
	t.Setenv("HALO_PROBE_INTERVAL", "10s")
	t.Setenv("HALO_TRACING_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Storage.Backend != "redis" || cfg.Storage.Redis.DB != 3 {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if strings.Join(cfg.Persistence.AllowedRoots, "|") != "A|journal" {
		t.Fatalf("unexpected allowed roots: %v", cfg.Persistence.AllowedRoots)
	}
	if cfg.Connectivity.Interval != 10*time.Second {
		t.Fatalf("unexpected interval: %v", cfg.Connectivity.Interval)
	}
	if !cfg.Tracing.Enabled {
		t.Fatal("expected tracing enabled")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "floppy" }},
		{"zero interval", func(c *Config) { c.Connectivity.Interval = 0 }},
		{"two probes", func(c *Config) {
			c.Connectivity.ProbeURL = "http://x"
			c.Connectivity.GRPCTarget = "x:1"
		}},
		{"zero concurrency", func(c *Config) { c.Lifecycle.RefreshConcurrency = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"duplicate rule", func(c *Config) {
			c.Freshness.Rules = []freshness.Rule{{Root: "A"}, {Root: "A"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
