// Package worker implements the kernel's worker process: an embedded
// JavaScript engine behind the stdin/stdout wire protocol, executing one
// job at a time across per-notebook execution contexts.
package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/protocol"
)

// Server runs the worker half of the kernel protocol: control messages in
// on stdin, frames out on stdout.
type Server struct {
	cfg    config.WorkerConfig
	logger *slog.Logger

	emitter  *Emitter
	contexts *contextPool

	mu      sync.Mutex
	current *jobRun
}

// NewServer creates a worker server with the given configuration.
func NewServer(cfg config.WorkerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Serve processes control messages until stdin closes. A closed stdin is
// the orchestrator's release signal: any in-flight job is aborted, contexts
// are torn down, and Serve returns.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.emitter = NewEmitter(stdout, s.cfg.BatchInterval)
	contexts, err := newContextPool(s.cfg, s.emitter, s.logger)
	if err != nil {
		return fmt.Errorf("failed to set up contexts: %w", err)
	}
	s.contexts = contexts
	defer contexts.closeAll()

	scanner := protocol.NewControlScanner(stdin)
	for {
		msg, err := scanner.Next()
		if err != nil {
			s.drain()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("control stream failed: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.RunCell:
			s.startJob(jobForRunCell(m, s.jobTimeout(m.TimeoutMs)))
		case *protocol.InvokeHandler:
			s.startJob(jobForInvoke(m, s.jobTimeout(m.TimeoutMs)))
		case *protocol.Cancel:
			s.cancelJob(m.JobID)
		default:
			s.logger.Debug("ignoring control message", "type", msg.MsgType())
		}
	}
}

// startJob admits one job at a time. A second submission while one is in
// flight is a protocol violation answered with an error message.
func (s *Server) startJob(jr *jobRun) {
	s.mu.Lock()
	if s.current != nil {
		inFlight := s.current.id
		s.mu.Unlock()
		s.logger.Warn("rejecting job while busy", "job_id", jr.id, "in_flight", inFlight)
		s.sendError(jr.id, fmt.Sprintf("worker busy with job %s", inFlight))
		return
	}
	s.current = jr
	s.mu.Unlock()
	go s.execute(jr)
}

// cancelJob routes a cancel to the in-flight job. Cancels for jobs that
// already settled, or that this worker never saw, are dropped.
func (s *Server) cancelJob(jobID string) {
	s.mu.Lock()
	jr := s.current
	s.mu.Unlock()
	if jr == nil || jr.id != jobID {
		s.logger.Debug("cancel for inactive job", "job_id", jobID)
		return
	}
	jr.requestAbort("execution canceled")
}

func (s *Server) clearCurrent(jr *jobRun) {
	s.mu.Lock()
	if s.current == jr {
		s.current = nil
	}
	s.mu.Unlock()
}

// sendError emits a worker-level error control message for a job that
// could not execute.
func (s *Server) sendError(jobID, msg string) {
	payload, err := protocol.EncodeControl(&protocol.ErrorMessage{JobID: jobID, Message: msg})
	if err != nil {
		s.logger.Error("failed to encode error message", "job_id", jobID, "error", err)
		return
	}
	if err := s.emitter.EmitControl(payload); err != nil {
		s.logger.Error("failed to send error message", "job_id", jobID, "error", err)
	}
}

// drain aborts the in-flight job, if any, and waits briefly for it to
// settle so its terminal frame is not lost on shutdown.
func (s *Server) drain() {
	s.mu.Lock()
	jr := s.current
	s.mu.Unlock()
	if jr != nil {
		jr.requestAbort("worker shutting down")
		select {
		case <-jr.done:
		case <-time.After(config.DefaultShutdownGrace):
			s.logger.Warn("job did not settle before shutdown", "job_id", jr.id)
		}
	}
	s.emitter.Flush()
}

func (s *Server) jobTimeout(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return config.DefaultJobTimeout
}
