package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultPoolSizeFloor(t *testing.T) {
	cfg := DefaultPoolConfig()
	if cfg.Size < 2 {
		t.Errorf("pool size = %d, want at least 2", cfg.Size)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool size", func(c *Config) { c.Pool.Size = 0 }},
		{"negative timeout", func(c *Config) { c.Pool.JobTimeout = -time.Second }},
		{"zero cancel grace", func(c *Config) { c.Pool.CancelGrace = 0 }},
		{"zero output cap", func(c *Config) { c.Pool.MaxOutputBytes = 0 }},
		{"negative batch interval", func(c *Config) { c.Worker.BatchInterval = -time.Millisecond }},
		{"zero max contexts", func(c *Config) { c.Worker.MaxContexts = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	content := []byte(`
pool:
  size: 3
  job_timeout_ms: 10000
worker:
  max_contexts: 4
  batch_interval_ms: 50
debug: true
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Size != 3 {
		t.Errorf("pool size = %d, want 3", cfg.Pool.Size)
	}
	if cfg.Pool.JobTimeout != 10*time.Second {
		t.Errorf("job timeout = %v, want 10s", cfg.Pool.JobTimeout)
	}
	if cfg.Worker.MaxContexts != 4 {
		t.Errorf("max contexts = %d, want 4", cfg.Worker.MaxContexts)
	}
	if cfg.Worker.BatchInterval != 50*time.Millisecond {
		t.Errorf("batch interval = %v, want 50ms", cfg.Worker.BatchInterval)
	}
	if !cfg.Debug {
		t.Error("debug = false, want true")
	}
	// Untouched fields keep defaults.
	if cfg.Pool.MaxOutputBytes != DefaultMaxOutputBytes {
		t.Errorf("max output bytes = %d, want default", cfg.Pool.MaxOutputBytes)
	}
	if cfg.Pool.CancelGrace != DefaultCancelGrace {
		t.Errorf("cancel grace = %v, want default", cfg.Pool.CancelGrace)
	}
}

func TestLoadZeroMillisKeepsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  job_timeout_ms: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.JobTimeout != DefaultJobTimeout {
		t.Errorf("job timeout = %v, want default", cfg.Pool.JobTimeout)
	}
}

func TestLoadRejectsNegativeMillis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  job_timeout_ms: -5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for negative timeout")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  size: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
