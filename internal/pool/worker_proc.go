package pool

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/protocol"
)

// workerBinaryName is the worker executable spawned when the configuration
// does not name one. It is looked up next to the running binary first, then
// on PATH.
const workerBinaryName = "cellkernel-worker"

// workerProc is one worker subprocess and the pipes the pool speaks to it
// over: control messages down stdin, the frame stream up stdout, and the
// worker's own diagnostics on stderr.
type workerProc struct {
	id  string
	cmd *exec.Cmd

	stdin   io.WriteCloser
	control *protocol.ControlWriter

	// current is the entry whose frames this worker is streaming. One job at
	// a time per process, so stream frames need no job ID of their own.
	mu      sync.Mutex
	current *activeEntry

	crashed  atomic.Bool
	killed   atomic.Bool
	exited   chan struct{}
	killOnce sync.Once

	// readers gates cmd.Wait: the stdout and stderr pipes must be drained
	// before Wait closes them, or a final flushed result can be lost.
	readers sync.WaitGroup

	logger *slog.Logger
}

// spawnWorker starts one worker process and its pipe goroutines. The frame
// and stderr readers run until the process exits; the exit watcher settles
// whatever job was active when it died.
func (p *Pool) spawnWorker() (*workerProc, error) {
	path, err := p.workerPath()
	if err != nil {
		return nil, err
	}

	w := &workerProc{
		id:     uuid.NewString(),
		exited: make(chan struct{}),
		logger: p.logger,
	}

	args := workerArgs(p.cfg.Worker)
	args = append(args, p.cfg.Pool.WorkerArgs...)
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.control = protocol.NewControlWriter(stdin)

	p.logger.Debug("worker spawned", "worker_id", w.id, "pid", cmd.Process.Pid)

	p.wg.Add(3)
	w.readers.Add(2)
	go p.readFrames(w, stdout)
	go p.relayStderr(w, stderr)
	go p.waitExit(w)

	return w, nil
}

// workerPath resolves the worker executable.
func (p *Pool) workerPath() (string, error) {
	if p.cfg.Pool.WorkerPath != "" {
		return p.cfg.Pool.WorkerPath, nil
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), workerBinaryName)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(workerBinaryName)
	if err != nil {
		return "", fmt.Errorf("worker binary %q not found: %w", workerBinaryName, err)
	}
	return path, nil
}

// workerArgs translates the worker section of the configuration into the
// flags every spawned process receives.
func workerArgs(cfg config.WorkerConfig) []string {
	args := []string{
		"--batch-ms", strconv.FormatInt(cfg.BatchInterval.Milliseconds(), 10),
		"--memory-mb", strconv.Itoa(cfg.MemoryLimitMB),
		"--max-contexts", strconv.Itoa(cfg.MaxContexts),
	}
	if cfg.SandboxRoot != "" {
		args = append(args, "--sandbox-root", cfg.SandboxRoot)
	}
	return args
}

// setCurrent attaches the entry whose frames the worker is about to stream.
// It must happen before the job is dispatched so no early frame is dropped.
func (w *workerProc) setCurrent(e *activeEntry) {
	w.mu.Lock()
	w.current = e
	w.mu.Unlock()
}

// clearCurrent detaches the entry if it is still attached.
func (w *workerProc) clearCurrent(e *activeEntry) {
	w.mu.Lock()
	if w.current == e {
		w.current = nil
	}
	w.mu.Unlock()
}

func (w *workerProc) currentEntry() *activeEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *workerProc) pid() int {
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Pid
	}
	return 0
}

// kill terminates the process immediately. Safe to call any number of times
// and after exit.
func (w *workerProc) kill() {
	w.killOnce.Do(func() {
		w.killed.Store(true)
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}

// dead reports whether the process is unusable. The killed flag covers the
// window between a SIGKILL and the exit watcher reaping it.
func (w *workerProc) dead() bool {
	return w.crashed.Load() || w.killed.Load()
}

// shutdown releases the worker: closing stdin is the signal a healthy worker
// exits on, with a kill escalation for one that does not.
func (w *workerProc) shutdown(grace time.Duration) {
	_ = w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(grace):
		w.logger.Warn("worker did not exit after release, killing", "worker_id", w.id, "pid", w.pid())
		w.kill()
		<-w.exited
	}
}

// readFrames drains the worker's stdout frame stream, routing output frames
// to the current job and control frames to the result path. A single
// goroutine per process keeps each job's frames in emission order and makes
// its result arrive after all of them.
func (p *Pool) readFrames(w *workerProc, stdout io.Reader) {
	defer p.wg.Done()
	defer w.readers.Done()
	fr := protocol.NewFrameReader(stdout)
	for {
		f, err := fr.Next()
		if err != nil {
			if err != io.EOF {
				// A truncated or corrupt stream ends the process's usefulness.
				// Drain so the worker cannot block on a full pipe before dying.
				p.logger.Debug("worker frame stream ended", "worker_id", w.id, "error", err)
				w.kill()
				_, _ = io.Copy(io.Discard, stdout)
			}
			return
		}
		if f.Kind == protocol.KindControl {
			p.handleControl(w, f.Payload)
			continue
		}
		p.handleStream(w, f)
	}
}

// relayStderr forwards the worker's own diagnostics into the pool's logger.
func (p *Pool) relayStderr(w *workerProc, stderr io.Reader) {
	defer p.wg.Done()
	defer w.readers.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4<<10), 256<<10)
	for scanner.Scan() {
		p.logger.Debug("worker stderr", "worker_id", w.id, "line", scanner.Text())
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, stderr)
	}
}

// waitExit reaps the process and settles whatever job it died holding. This
// is the path that keeps a crash from leaving a promise hanging. Reaping
// waits for the pipe readers, so a result the worker flushed on its way out
// is processed before the crash settlement runs.
func (p *Pool) waitExit(w *workerProc) {
	defer p.wg.Done()
	w.readers.Wait()
	err := w.cmd.Wait()
	w.crashed.Store(true)
	close(w.exited)

	if e := w.currentEntry(); e != nil && !e.isSettled() {
		detail := "exited"
		if err != nil {
			detail = err.Error()
		}
		e.settle(nil, fmt.Errorf("worker %s %s while running job %s: %w", w.id, detail, e.jobID, ErrWorkerCrashed))
	}
	if err != nil {
		p.logger.Debug("worker exited", "worker_id", w.id, "error", err)
	} else {
		p.logger.Debug("worker exited", "worker_id", w.id)
	}
}
