// Package pool orchestrates the kernel's worker subprocesses: a fixed-size
// shared pool with FIFO acquisition plus dedicated reserved workers, with
// job dispatch, streamed-output routing, output caps, cancellation with a
// bounded grace period, and crash recovery.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/protocol"
)

// Pool manages the shared worker processes and the bookkeeping for every
// in-flight job, including jobs running on reserved workers.
type Pool struct {
	cfg    config.Config
	logger *slog.Logger

	// defaultTimeout is the per-job deadline applied to jobs that carry none.
	// Atomic so configuration reloads can adjust it while jobs are in flight.
	defaultTimeout atomic.Int64

	mu       sync.Mutex
	workers  []*workerProc          // shared slots, fixed length
	idle     []*workerProc          // FIFO of idle shared workers
	waiters  []chan *workerProc     // FIFO of callers waiting for a worker
	active   map[string]*activeEntry
	reserved map[string]*ReservedWorker
	closed   bool

	wg sync.WaitGroup
}

// Stats is a snapshot of the pool's occupancy.
type Stats struct {
	Workers    int
	Idle       int
	ActiveJobs int
	Reserved   int
}

// New validates the configuration and spawns the shared workers.
func New(cfg config.Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		active:   make(map[string]*activeEntry),
		reserved: make(map[string]*ReservedWorker),
	}
	p.defaultTimeout.Store(int64(cfg.Pool.JobTimeout))

	for i := 0; i < cfg.Pool.Size; i++ {
		w, err := p.spawnWorker()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start worker %d of %d: %w", i+1, cfg.Pool.Size, err)
		}
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.idle = append(p.idle, w)
		p.mu.Unlock()
	}

	logger.Info("worker pool started",
		"size", cfg.Pool.Size,
		"job_timeout", cfg.Pool.JobTimeout,
		"max_output_bytes", cfg.Pool.MaxOutputBytes,
	)
	return p, nil
}

// SetPerJobTimeout updates the default timeout applied to jobs that do not
// carry their own. Takes effect for jobs dispatched after the call.
func (p *Pool) SetPerJobTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	p.defaultTimeout.Store(int64(d))
	p.logger.Info("per-job timeout updated", "timeout", d)
}

// PerJobTimeout returns the current default per-job timeout.
func (p *Pool) PerJobTimeout() time.Duration {
	return time.Duration(p.defaultTimeout.Load())
}

// Stats reports current worker and job counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:    len(p.workers),
		Idle:       len(p.idle),
		ActiveJobs: len(p.active),
		Reserved:   len(p.reserved),
	}
}

// Run executes one job on a shared worker and blocks until it settles. The
// worker is returned to the idle set on every outcome; a crashed worker's
// slot is refilled with a fresh process. Stream callbacks fire before Run
// returns. Cancellation of ctx is translated into the cancel flow, so the
// return is bounded by the grace period rather than the job's own runtime.
func (p *Pool) Run(ctx context.Context, jobID string, job *Job) (*ExecutionResult, error) {
	entry, err := p.registerJob(jobID, job)
	if err != nil {
		return nil, err
	}
	defer p.unregisterJob(jobID)

	w, err := p.acquire(ctx, entry.done)
	if err != nil {
		if errors.Is(err, errAcquireAborted) {
			// Canceled (or the pool closed) while queued; the job never ran.
			return entry.result, entry.err
		}
		return nil, err
	}
	defer p.release(w)

	return p.dispatch(ctx, entry, w)
}

// registerJob claims the job ID and creates its active entry.
func (p *Pool) registerJob(jobID string, job *Job) (*activeEntry, error) {
	if jobID == "" {
		return nil, fmt.Errorf("empty job id")
	}
	if err := job.validate(); err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if _, dup := p.active[jobID]; dup {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobActive)
	}
	entry := newActiveEntry(jobID, job)
	p.active[jobID] = entry
	return entry, nil
}

func (p *Pool) unregisterJob(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

// dispatch sends the job to the worker and waits out settlement against the
// caller's context and the orchestrator's backstop deadline. Shared and
// reserved runs both funnel through here.
func (p *Pool) dispatch(ctx context.Context, entry *activeEntry, w *workerProc) (*ExecutionResult, error) {
	timeout := entry.job.Timeout
	if timeout <= 0 {
		timeout = p.PerJobTimeout()
	}

	entry.mu.Lock()
	if entry.canceled || entry.isSettled() {
		// Canceled (or the pool closed) before dispatch; never send it. The
		// settle may still be in flight right after the cancel flag was set.
		entry.mu.Unlock()
		<-entry.done
		return entry.result, entry.err
	}
	entry.worker = w
	entry.mu.Unlock()
	w.setCurrent(entry)
	defer w.clearCurrent(entry)

	if err := w.control.Send(entry.job.controlMessage(entry.jobID, timeout)); err != nil {
		// A dead stdin means a dead worker; kill so the exit watcher marks it
		// crashed and release replaces it.
		entry.settle(nil, fmt.Errorf("failed to dispatch job %s: %w", entry.jobID, ErrWorkerCrashed))
		w.kill()
		<-entry.done
		return entry.result, entry.err
	}
	p.logger.Debug("job dispatched", "job_id", entry.jobID, "worker_id", w.id, "timeout", timeout)

	// The worker enforces the timeout itself; the backstop only catches a
	// worker that lost the ability to answer at all.
	backstop := time.NewTimer(timeout + p.cfg.Pool.CancelGrace + config.TimeoutSlack)
	defer backstop.Stop()

	select {
	case <-entry.done:
	case <-ctx.Done():
		p.cancelEntry(entry)
		<-entry.done
	case <-backstop.C:
		entry.settle(nil, fmt.Errorf("job %s: %w after %v", entry.jobID, ErrNoResult, timeout))
		w.kill()
		<-entry.done
	}
	return entry.result, entry.err
}

// Cancel requests cancellation of an in-flight job. Fire and forget: the
// outcome is observed through the original Run call, which settles either
// with the worker's aborted result or, after the grace period, with
// ErrCanceled once the worker has been killed. Unknown job IDs are ignored.
func (p *Pool) Cancel(jobID string) {
	p.mu.Lock()
	entry := p.active[jobID]
	p.mu.Unlock()
	if entry == nil {
		p.logger.Debug("cancel for unknown job", "job_id", jobID)
		return
	}
	p.cancelEntry(entry)
}

// cancelEntry runs the cooperative-then-forced cancellation flow: a cancel
// message to the worker, then a grace timer that escalates to SIGKILL. The
// grace timer is cleared if the job settles first, so a cooperative abort
// never double-settles.
func (p *Pool) cancelEntry(entry *activeEntry) {
	if entry.isSettled() {
		return
	}

	entry.mu.Lock()
	if entry.canceled {
		entry.mu.Unlock()
		return
	}
	entry.canceled = true
	w := entry.worker
	if w == nil {
		entry.mu.Unlock()
		entry.settle(nil, fmt.Errorf("job %s: %w before dispatch", entry.jobID, ErrCanceled))
		return
	}
	entry.graceTimer = time.AfterFunc(p.cfg.Pool.CancelGrace, func() {
		if entry.isSettled() {
			return
		}
		p.logger.Warn("job ignored cancel, killing worker",
			"job_id", entry.jobID,
			"worker_id", w.id,
			"grace", p.cfg.Pool.CancelGrace,
		)
		entry.settle(nil, fmt.Errorf("job %s: %w after %v grace", entry.jobID, ErrCanceled, p.cfg.Pool.CancelGrace))
		w.kill()
	})
	entry.mu.Unlock()

	if err := w.control.Send(&protocol.Cancel{JobID: entry.jobID}); err != nil {
		p.logger.Debug("cancel message not delivered", "job_id", entry.jobID, "error", err)
	}
	p.logger.Debug("cancel requested", "job_id", entry.jobID, "worker_id", w.id)
}

// errAcquireAborted reports that the waiting job settled, from a cancel or
// pool shutdown, before a worker was available. The entry holds the outcome.
var errAcquireAborted = errors.New("job settled while queued")

// acquire hands the caller an exclusive idle shared worker, spawning a
// replacement if the one popped crashed while idle. Callers queue FIFO when
// every worker is busy. The abort channel, the job entry's done channel,
// stops the wait when the job settles before ever reaching a worker.
func (p *Pool) acquire(ctx context.Context, abort <-chan struct{}) (*workerProc, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return p.ensureAlive(w)
	}
	ch := make(chan *workerProc, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case w, ok := <-ch:
		if !ok || w == nil {
			return nil, ErrPoolClosed
		}
		return p.ensureAlive(w)
	case <-ctx.Done():
		p.abandonWait(ch)
		return nil, ctx.Err()
	case <-abort:
		p.abandonWait(ch)
		return nil, errAcquireAborted
	}
}

// abandonWait withdraws a waiter that stopped waiting, releasing any worker
// that was handed over concurrently.
func (p *Pool) abandonWait(ch chan *workerProc) {
	p.mu.Lock()
	removed := p.removeWaiter(ch)
	p.mu.Unlock()
	if !removed {
		// The channel left the queue, so a worker was handed over (the
		// buffered send happens under the pool lock) or the pool closed.
		if w, ok := <-ch; ok && w != nil {
			p.release(w)
		}
	}
}

// removeWaiter drops ch from the waiter queue. Caller holds mu. Reports
// whether the waiter was still queued.
func (p *Pool) removeWaiter(ch chan *workerProc) bool {
	for i, waiter := range p.waiters {
		if waiter == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// ensureAlive swaps a crashed worker for a fresh one before handing it out.
func (p *Pool) ensureAlive(w *workerProc) (*workerProc, error) {
	if !w.dead() {
		return w, nil
	}
	nw, err := p.respawn(w)
	if err != nil {
		return nil, err
	}
	return nw, nil
}

// respawn replaces a crashed shared worker at its slot. When no replacement
// can be spawned the dead worker's slot is removed and the pool shrinks.
func (p *Pool) respawn(old *workerProc) (*workerProc, error) {
	nw, err := p.spawnWorker()

	p.mu.Lock()
	for i, w := range p.workers {
		if w == old {
			if err != nil {
				p.workers = append(p.workers[:i], p.workers[i+1:]...)
			} else {
				p.workers[i] = nw
			}
			break
		}
	}
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to respawn crashed worker: %w", err)
	}
	p.logger.Info("crashed worker replaced", "old_worker_id", old.id, "worker_id", nw.id)
	return nw, nil
}

// release returns a shared worker to the idle set or hands it straight to
// the oldest waiter. A crashed worker is replaced first, which is what
// restores the pool's size after a kill or crash.
func (p *Pool) release(w *workerProc) {
	if w.dead() {
		nw, err := p.respawn(w)
		if err != nil {
			p.logger.Error("could not replace crashed worker, pool shrinks", "worker_id", w.id, "error", err)
			return
		}
		w = nw
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.kill()
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- w
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// handleControl decodes a control frame from a worker. Payloads that fail to
// decode or validate are protocol noise and are dropped.
func (p *Pool) handleControl(w *workerProc, payload []byte) {
	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		p.logger.Debug("dropping malformed control frame", "worker_id", w.id, "error", err)
		return
	}
	switch m := msg.(type) {
	case *protocol.Result:
		p.handleResult(w, m)
	case *protocol.ErrorMessage:
		p.handleError(w, m)
	default:
		p.logger.Debug("dropping unexpected control message", "worker_id", w.id, "type", msg.MsgType())
	}
}

// handleResult settles the worker's current job with its terminal outcome.
func (p *Pool) handleResult(w *workerProc, m *protocol.Result) {
	e := w.currentEntry()
	if e == nil || e.jobID != m.JobID {
		p.logger.Debug("result for inactive job", "worker_id", w.id, "job_id", m.JobID)
		return
	}
	e.settle(&ExecutionResult{
		Outputs:    m.Outputs,
		Execution:  m.Execution,
		StateReset: e.stateReset,
	}, nil)
}

// handleError settles the worker's current job with the worker's rejection.
func (p *Pool) handleError(w *workerProc, m *protocol.ErrorMessage) {
	e := w.currentEntry()
	if e == nil || e.jobID != m.JobID {
		p.logger.Debug("error for inactive job", "worker_id", w.id, "job_id", m.JobID)
		return
	}
	e.settle(nil, fmt.Errorf("worker rejected job %s: %s", m.JobID, m.Message))
}

// handleStream routes one output frame to the current job's callbacks and
// charges it against the job's output budget. Exceeding the budget settles
// the job and kills the worker; draining an unbounded stream is itself a
// resource risk.
func (p *Pool) handleStream(w *workerProc, f *protocol.Frame) {
	e := w.currentEntry()
	if e == nil || e.isSettled() {
		return
	}

	total := e.outputBytes.Add(int64(len(f.Payload)))
	if total > p.cfg.Pool.MaxOutputBytes {
		p.logger.Warn("job exceeded output limit, killing worker",
			"job_id", e.jobID,
			"worker_id", w.id,
			"bytes", total,
			"limit", p.cfg.Pool.MaxOutputBytes,
		)
		e.settle(nil, fmt.Errorf("job %s streamed %d bytes (limit %d): %w",
			e.jobID, total, p.cfg.Pool.MaxOutputBytes, ErrOutputLimit))
		w.kill()
		return
	}

	job := e.job
	switch f.Kind {
	case protocol.KindStdout:
		if job.OnStdout != nil {
			job.OnStdout(string(f.Payload))
		}
	case protocol.KindStderr:
		if job.OnStderr != nil {
			job.OnStderr(string(f.Payload))
		}
	case protocol.KindDisplay:
		if job.OnDisplay != nil {
			job.OnDisplay(f.Payload)
		}
	}
}

// Close shuts the pool down: waiters are refused, in-flight jobs settle
// with ErrPoolClosed, and every worker process is terminated. Safe to call
// more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	entries := make([]*activeEntry, 0, len(p.active))
	for _, e := range p.active {
		entries = append(entries, e)
	}
	workers := append([]*workerProc(nil), p.workers...)
	p.workers = nil
	p.idle = nil
	reserved := make([]*ReservedWorker, 0, len(p.reserved))
	for _, r := range p.reserved {
		reserved = append(reserved, r)
	}
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, e := range entries {
		e.settle(nil, fmt.Errorf("job %s interrupted: %w", e.jobID, ErrPoolClosed))
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *workerProc) {
			defer wg.Done()
			w.shutdown(config.DefaultShutdownGrace)
		}(w)
	}
	for _, r := range reserved {
		wg.Add(1)
		go func(r *ReservedWorker) {
			defer wg.Done()
			r.Release()
		}(r)
	}
	wg.Wait()

	p.wg.Wait()
	p.logger.Info("worker pool closed")
}
