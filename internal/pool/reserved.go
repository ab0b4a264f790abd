package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/notebrook/cellkernel/internal/config"
)

// ReservedWorker is a worker process held outside the shared slots for one
// owner, typically an interactive session that needs runtime state to
// survive across cells. Successive Run calls target the same process. When
// the process dies, from a crash or a forced cancel, the next Run
// transparently starts a fresh one and flags the loss of state on its
// result.
type ReservedWorker struct {
	id   string
	pool *Pool

	mu         sync.Mutex
	proc       *workerProc
	busy       bool
	needsReset bool // next result must carry StateReset
	released   bool
}

// Reserve starts a dedicated worker and hands back its handle. The worker
// does not count against the shared slots, so reserving never starves the
// pool. The caller owns the handle and must Release it.
func (p *Pool) Reserve() (*ReservedWorker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	w, err := p.spawnWorker()
	if err != nil {
		return nil, fmt.Errorf("failed to start reserved worker: %w", err)
	}

	r := &ReservedWorker{
		id:   uuid.NewString(),
		pool: p,
		proc: w,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.kill()
		return nil, ErrPoolClosed
	}
	p.reserved[r.id] = r
	p.mu.Unlock()

	p.logger.Info("worker reserved", "reservation_id", r.id, "worker_id", w.id)
	return r, nil
}

// Run executes one job on the reserved process and blocks until it settles.
// Calls are serialized; a second Run while one is in flight is an error
// rather than a queue. If the previous job killed the process, a fresh one
// is spawned and the result reports StateReset.
func (r *ReservedWorker) Run(ctx context.Context, jobID string, job *Job) (*ExecutionResult, error) {
	entry, err := r.pool.registerJob(jobID, job)
	if err != nil {
		return nil, err
	}
	defer r.pool.unregisterJob(jobID)

	w, reset, err := r.checkout()
	if err != nil {
		return nil, err
	}
	defer r.checkin()
	entry.stateReset = reset

	res, err := r.pool.dispatch(ctx, entry, w)
	if reset && res == nil {
		// No result carried the flag yet; the next one still must.
		r.mu.Lock()
		r.needsReset = true
		r.mu.Unlock()
	}
	return res, err
}

// checkout claims the process for one job, replacing it first if it died.
func (r *ReservedWorker) checkout() (*workerProc, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, false, ErrWorkerReleased
	}
	if r.busy {
		return nil, false, fmt.Errorf("reserved worker %s is busy", r.id)
	}

	if r.proc == nil || r.proc.dead() {
		old := r.proc
		nw, err := r.pool.spawnWorker()
		if err != nil {
			return nil, false, fmt.Errorf("failed to respawn reserved worker: %w", err)
		}
		r.proc = nw
		r.needsReset = true
		if old != nil {
			r.pool.logger.Info("reserved worker replaced",
				"reservation_id", r.id, "old_worker_id", old.id, "worker_id", nw.id)
		}
	}

	r.busy = true
	reset := r.needsReset
	r.needsReset = false
	return r.proc, reset, nil
}

func (r *ReservedWorker) checkin() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

// Cancel requests cancellation of the job currently running on the reserved
// worker, with the same cooperative-then-kill escalation as shared jobs. If
// the kill fires, the process is gone and the next Run replaces it.
func (r *ReservedWorker) Cancel() {
	r.mu.Lock()
	w := r.proc
	r.mu.Unlock()
	if w == nil {
		return
	}
	entry := w.currentEntry()
	if entry == nil {
		return
	}
	r.pool.cancelEntry(entry)
}

// Release ends the reservation and the process behind it: stdin is closed
// for a clean exit, with a kill after the shutdown grace. Idempotent. Any
// job still in flight settles through the worker's exit.
func (r *ReservedWorker) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	w := r.proc
	r.proc = nil
	r.mu.Unlock()

	r.pool.mu.Lock()
	delete(r.pool.reserved, r.id)
	r.pool.mu.Unlock()

	if w != nil {
		w.shutdown(config.DefaultShutdownGrace)
	}
	r.pool.logger.Info("reserved worker released", "reservation_id", r.id)
}
