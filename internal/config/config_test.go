package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Address != ":8087" {
		t.Fatalf("default address = %s", cfg.Server.Address)
	}
	if cfg.Monitor.MaxConcurrentRecoveries != 3 {
		t.Fatalf("default recovery cap = %d", cfg.Monitor.MaxConcurrentRecoveries)
	}
	if cfg.Monitor.RetentionHorizon != 24*time.Hour {
		t.Fatalf("default retention = %s", cfg.Monitor.RetentionHorizon)
	}
	if cfg.Monitor.AlertConfidence != 70 {
		t.Fatalf("default alert confidence = %.1f", cfg.Monitor.AlertConfidence)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `server:
  address: ":9000"
logging:
  level: debug
  json: true
storage:
  inMemory: true
monitor:
  samplingInterval: 5s
  maxConcurrentRecoveries: 1
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9000" || !cfg.Logging.JSON || !cfg.Storage.InMemory {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Monitor.SamplingInterval != 5*time.Second || cfg.Monitor.MaxConcurrentRecoveries != 1 {
		t.Fatalf("monitor overrides not applied: %+v", cfg.Monitor)
	}
	// Untouched keys keep their defaults.
	if cfg.Monitor.DefaultCooldown != 5*time.Minute {
		t.Fatalf("default cooldown lost: %s", cfg.Monitor.DefaultCooldown)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POOLWARDEN_SERVER_ADDRESS", ":7000")
	t.Setenv("POOLWARDEN_DEFAULT_COOLDOWN", "90s")
	t.Setenv("POOLWARDEN_BREAKER_FAILURE_THRESHOLD", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7000" {
		t.Fatalf("env address not applied: %s", cfg.Server.Address)
	}
	if cfg.Monitor.DefaultCooldown != 90*time.Second {
		t.Fatalf("env cooldown not applied: %s", cfg.Monitor.DefaultCooldown)
	}
	if cfg.Monitor.BreakerFailureThreshold != 9 {
		t.Fatalf("env threshold not applied: %d", cfg.Monitor.BreakerFailureThreshold)
	}
}

func TestWatcherKeepsSnapshotOnParseFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}

	swapped := 0
	w := NewWatcher(path, initial, nil, func(*Config) { swapped++ })

	// Corrupt the file; the reload must keep the previous snapshot.
	if err := os.WriteFile(path, []byte("{{{not yaml"), 0o644); err != nil {
		t.Fatalf("corrupt config: %v", err)
	}
	w.reload()
	if w.Current().Server.Address != ":9000" || swapped != 0 {
		t.Fatalf("bad reload replaced snapshot")
	}

	// Fix the file; the reload must swap.
	if err := os.WriteFile(path, []byte("server:\n  address: \":9100\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload()
	if w.Current().Server.Address != ":9100" || swapped != 1 {
		t.Fatalf("good reload did not swap: %s %d", w.Current().Server.Address, swapped)
	}
}
