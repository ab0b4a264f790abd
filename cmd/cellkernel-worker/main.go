// cellkernel-worker is the sandboxed execution subprocess. The pool spawns
// one per worker slot and speaks to it over its own pipes: JSON control
// messages on stdin, length-prefixed frames on stdout. It is not meant to
// be run by hand; started without a driving parent it just waits on stdin.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	runtimedebug "runtime/debug"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/worker"
)

const workerVersion = "0.1.0"

var (
	version     = flag.Bool("version", false, "Print version and exit")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	sandboxRoot = flag.String("sandbox-root", "", "Directory notebook sandboxes are created under (default: a temp directory)")
	batchMs     = flag.Int("batch-ms", int(config.DefaultBatchInterval/time.Millisecond), "Output frame coalescing window in milliseconds")
	memoryMB    = flag.Int("memory-mb", config.DefaultMemoryLimitMB, "Soft memory ceiling for this process in MiB (0 disables)")
	maxContexts = flag.Int("max-contexts", config.DefaultMaxContexts, "Notebook contexts kept before LRU eviction")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("cellkernel-worker v%s\n", workerVersion)
		os.Exit(0)
	}

	// Stdout belongs to the frame stream, so all diagnostics go to stderr,
	// where the pool relays them into its own logger.
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := config.WorkerConfig{
		SandboxRoot:   *sandboxRoot,
		BatchInterval: time.Duration(*batchMs) * time.Millisecond,
		MemoryLimitMB: *memoryMB,
		MaxContexts:   *maxContexts,
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid worker configuration", "error", err)
		os.Exit(1)
	}

	if cfg.MemoryLimitMB > 0 {
		runtimedebug.SetMemoryLimit(int64(cfg.MemoryLimitMB) << 20)
	}

	logger.Info("worker starting",
		"version", workerVersion,
		"pid", os.Getpid(),
		"batch_interval", cfg.BatchInterval,
		"memory_limit_mb", cfg.MemoryLimitMB,
		"max_contexts", cfg.MaxContexts,
	)

	if err := worker.NewServer(cfg, logger).Serve(os.Stdin, os.Stdout); err != nil {
		logger.Error("worker terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("worker exiting")
}
