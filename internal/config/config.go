// Package config holds the kernel's tunable settings with their defaults
// and optional YAML file loading.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// Size is how many worker processes the pool keeps alive
	Size int `yaml:"size"`
	// WorkerPath is the worker binary the pool spawns
	WorkerPath string `yaml:"worker_path"`
	// WorkerArgs are extra arguments passed to every spawned worker
	WorkerArgs []string `yaml:"worker_args"`
	// JobTimeout is the per-job execution deadline. Set in the file as
	// job_timeout_ms.
	JobTimeout time.Duration `yaml:"-"`
	// CancelGrace is how long a canceled job may keep running before its
	// worker is killed. Set in the file as cancel_grace_ms.
	CancelGrace time.Duration `yaml:"-"`
	// MaxOutputBytes caps the bytes one job may stream
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// DefaultPoolConfig returns default configuration for the worker pool.
// Pool size follows the host's CPU count with a floor of two.
func DefaultPoolConfig() PoolConfig {
	size := runtime.NumCPU()
	if size < 2 {
		size = 2
	}
	return PoolConfig{
		Size:           size,
		JobTimeout:     DefaultJobTimeout,
		CancelGrace:    DefaultCancelGrace,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Validate checks the pool configuration for usable values.
func (c PoolConfig) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Size)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive, got %v", c.JobTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel grace must be positive, got %v", c.CancelGrace)
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max output bytes must be positive, got %d", c.MaxOutputBytes)
	}
	return nil
}

// WorkerConfig holds configuration for one worker process.
type WorkerConfig struct {
	// SandboxRoot is the directory notebook sandboxes are created under
	SandboxRoot string `yaml:"sandbox_root"`
	// BatchInterval is the output frame coalescing window. Set in the file
	// as batch_interval_ms.
	BatchInterval time.Duration `yaml:"-"`
	// MemoryLimitMB is the process soft memory ceiling; zero disables it
	MemoryLimitMB int `yaml:"memory_limit_mb"`
	// MaxContexts is how many notebook contexts to keep before LRU eviction
	MaxContexts int `yaml:"max_contexts"`
}

// DefaultWorkerConfig returns default configuration for a worker process.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchInterval: DefaultBatchInterval,
		MemoryLimitMB: DefaultMemoryLimitMB,
		MaxContexts:   DefaultMaxContexts,
	}
}

// Validate checks the worker configuration for usable values.
func (c WorkerConfig) Validate() error {
	if c.BatchInterval < 0 {
		return fmt.Errorf("batch interval must not be negative, got %v", c.BatchInterval)
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must not be negative, got %d", c.MemoryLimitMB)
	}
	if c.MaxContexts < 1 {
		return fmt.Errorf("max contexts must be at least 1, got %d", c.MaxContexts)
	}
	return nil
}

// Config is the top-level kernel configuration.
type Config struct {
	Pool   PoolConfig   `yaml:"pool"`
	Worker WorkerConfig `yaml:"worker"`
	// Debug enables debug-level logging
	Debug bool `yaml:"debug"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Pool:   DefaultPoolConfig(),
		Worker: DefaultWorkerConfig(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// durations mirrors the time settings as integer milliseconds. YAML has no
// duration syntax, so the file speaks milliseconds and Load converts.
type durations struct {
	Pool struct {
		JobTimeoutMs  int64 `yaml:"job_timeout_ms"`
		CancelGraceMs int64 `yaml:"cancel_grace_ms"`
	} `yaml:"pool"`
	Worker struct {
		BatchIntervalMs int64 `yaml:"batch_interval_ms"`
	} `yaml:"worker"`
}

// Load reads a YAML config file over the defaults. Fields absent from the
// file, and millisecond fields set to zero, keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	var d durations
	if err := yaml.Unmarshal(data, &d); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if d.Pool.JobTimeoutMs != 0 {
		cfg.Pool.JobTimeout = time.Duration(d.Pool.JobTimeoutMs) * time.Millisecond
	}
	if d.Pool.CancelGraceMs != 0 {
		cfg.Pool.CancelGrace = time.Duration(d.Pool.CancelGraceMs) * time.Millisecond
	}
	if d.Worker.BatchIntervalMs != 0 {
		cfg.Worker.BatchInterval = time.Duration(d.Worker.BatchIntervalMs) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
