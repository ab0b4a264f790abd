package worker

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/protocol"
)

// contextPool manages the notebook contexts living on a single worker
// process, capped at a maximum with least-recently-used eviction.
type contextPool struct {
	mu          sync.Mutex
	contexts    map[string]*notebookContext
	maxContexts int
	sandboxRoot string
	emitter     *Emitter
	logger      *slog.Logger
}

// newContextPool creates the pool and its sandbox root directory. An empty
// root falls back to a fresh temporary directory.
func newContextPool(cfg config.WorkerConfig, em *Emitter, logger *slog.Logger) (*contextPool, error) {
	root := cfg.SandboxRoot
	if root == "" {
		tmp, err := os.MkdirTemp("", "cellkernel-")
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox root: %w", err)
		}
		root = tmp
	} else if err := os.MkdirAll(root, sandboxDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	maxContexts := cfg.MaxContexts
	if maxContexts < 1 {
		maxContexts = config.DefaultMaxContexts
	}

	return &contextPool{
		contexts:    make(map[string]*notebookContext),
		maxContexts: maxContexts,
		sandboxRoot: root,
		emitter:     em,
		logger:      logger,
	}, nil
}

// get returns the notebook's context, creating it on first use. At capacity
// the least recently used context is evicted to make room; eviction discards
// runtime state but leaves the sandbox directory in place.
func (cp *contextPool) get(notebookID string, env *protocol.EnvSpec) (*notebookContext, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if nc, ok := cp.contexts[notebookID]; ok {
		nc.lastUsed = time.Now()
		if env != nil {
			if err := writeEnvManifest(nc.dir, env); err != nil {
				cp.logger.Warn("env manifest update failed", "notebook_id", notebookID, "error", err)
			}
		}
		return nc, nil
	}

	if len(cp.contexts) >= cp.maxContexts {
		cp.evictOldest()
	}

	dir, err := ensureSandbox(cp.sandboxRoot, notebookID)
	if err != nil {
		return nil, err
	}
	if env != nil {
		if err := writeEnvManifest(dir, env); err != nil {
			cp.logger.Warn("env manifest write failed", "notebook_id", notebookID, "error", err)
		}
	}

	nc, err := newNotebookContext(notebookID, dir, cp.emitter)
	if err != nil {
		return nil, err
	}
	nc.lastUsed = time.Now()
	cp.contexts[notebookID] = nc
	cp.logger.Debug("context created", "notebook_id", notebookID, "sandbox", dir)
	return nc, nil
}

// evictOldest removes the least recently used context. Caller holds mu.
func (cp *contextPool) evictOldest() {
	var oldest *notebookContext
	for _, nc := range cp.contexts {
		if oldest == nil || nc.lastUsed.Before(oldest.lastUsed) {
			oldest = nc
		}
	}
	if oldest == nil {
		return
	}
	delete(cp.contexts, oldest.id)
	oldest.close()
	cp.logger.Debug("context evicted", "notebook_id", oldest.id)
}

// size returns the number of live contexts.
func (cp *contextPool) size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.contexts)
}

// closeAll stops every live context.
func (cp *contextPool) closeAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for id, nc := range cp.contexts {
		nc.close()
		delete(cp.contexts, id)
	}
}
