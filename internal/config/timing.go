package config

import "time"

// Default timing and limit values used throughout the kernel
const (
	// DefaultJobTimeout is the per-job execution deadline
	DefaultJobTimeout = 30 * time.Second

	// DefaultCancelGrace is how long a canceled job may keep running before
	// its worker is killed
	DefaultCancelGrace = 250 * time.Millisecond

	// DefaultShutdownGrace is how long a worker gets to exit after its
	// stdin closes before it is killed
	DefaultShutdownGrace = 1 * time.Second

	// DefaultMaxOutputBytes caps the stdout, stderr, and display bytes one
	// job may stream before it is aborted
	DefaultMaxOutputBytes = 5 << 20

	// DefaultBatchInterval is how long the worker coalesces small output
	// writes before flushing a frame
	DefaultBatchInterval = 25 * time.Millisecond

	// DefaultFlushBytes forces a frame flush once the coalescing buffer
	// reaches this size
	DefaultFlushBytes = 32 << 10

	// DefaultMemoryLimitMB is the worker process soft memory ceiling
	DefaultMemoryLimitMB = 512

	// DefaultMaxContexts is how many notebook contexts one worker keeps
	// before evicting the least recently used
	DefaultMaxContexts = 8

	// TimeoutSlack pads the orchestrator's backstop deadline past the
	// worker's own timeout so the worker gets first chance to abort cleanly
	TimeoutSlack = 500 * time.Millisecond
)
