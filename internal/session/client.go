// Package session provides the per-session facade a caller holds for the
// lifetime of one open notebook session, plus the registry that owns every
// live session for a server.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notebrook/cellkernel/internal/pool"
	"github.com/notebrook/cellkernel/internal/protocol"
)

// ExecuteOptions describes one cell execution requested by the session's
// caller. The stream callbacks are forwarded to the pool job and fire in
// emission order before Execute returns.
type ExecuteOptions struct {
	CellID   string
	Filename string
	Language string
	Code     string

	Env     *protocol.EnvSpec
	Globals map[string]any

	// Timeout overrides the pool's default per-job timeout when positive.
	Timeout time.Duration

	OnStdout  func(text string)
	OnStderr  func(text string)
	OnDisplay func(payload json.RawMessage)
}

// InvokeOptions describes a handler invocation, typically a UI event
// targeting a handler an earlier cell registered on this session's worker.
type InvokeOptions struct {
	HandlerID   string
	Event       string
	Payload     json.RawMessage
	ComponentID string
	CellID      string

	Env     *protocol.EnvSpec
	Globals map[string]any
	Timeout time.Duration

	OnStdout  func(text string)
	OnStderr  func(text string)
	OnDisplay func(payload json.RawMessage)
}

// Client is the facade one notebook session holds. The first execution
// reserves a sticky worker that later executions reuse, which is what keeps
// REPL globals alive across cells. Executions are serialized; the client
// tracks at most one in-flight job.
type Client struct {
	sessionID  string
	notebookID string
	pool       *pool.Pool
	logger     *slog.Logger

	mu           sync.Mutex
	reserved     *pool.ReservedWorker
	currentJobID string
	released     bool
}

// NewClient builds the facade for one session. Callers normally go through
// a Registry instead.
func NewClient(p *pool.Pool, sessionID, notebookID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		sessionID:  sessionID,
		notebookID: notebookID,
		pool:       p,
		logger:     logger,
	}
}

// SessionID returns the session's identifier.
func (c *Client) SessionID() string { return c.sessionID }

// NotebookID returns the notebook this session executes against.
func (c *Client) NotebookID() string { return c.notebookID }

// jobID derives a fresh job identifier. The timestamp suffix keeps retries
// of the same cell distinct.
func (c *Client) jobID(part string) string {
	return fmt.Sprintf("%s:%s:%d", c.sessionID, part, time.Now().UnixMilli())
}

// begin claims the client for one job, lazily reserving the sticky worker.
func (c *Client) begin(part string) (string, *pool.ReservedWorker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return "", nil, fmt.Errorf("session %s: %w", c.sessionID, pool.ErrWorkerReleased)
	}
	if c.currentJobID != "" {
		return "", nil, fmt.Errorf("session %s already has job %s in flight", c.sessionID, c.currentJobID)
	}
	if c.reserved == nil {
		r, err := c.pool.Reserve()
		if err != nil {
			return "", nil, fmt.Errorf("session %s: %w", c.sessionID, err)
		}
		c.reserved = r
		c.logger.Info("session reserved sticky worker", "session_id", c.sessionID, "notebook_id", c.notebookID)
	}
	jobID := c.jobID(part)
	c.currentJobID = jobID
	return jobID, c.reserved, nil
}

// end clears the in-flight bookkeeping, whatever the job's outcome, so the
// next Execute never believes a stale job is still running.
func (c *Client) end(jobID string) {
	c.mu.Lock()
	if c.currentJobID == jobID {
		c.currentJobID = ""
	}
	c.mu.Unlock()
}

// Execute runs one cell on the session's sticky worker and blocks until the
// result. A result with StateReset set means the worker was replaced since
// the previous cell and accumulated globals are gone.
func (c *Client) Execute(ctx context.Context, opts ExecuteOptions) (*pool.ExecutionResult, error) {
	part := opts.CellID
	if part == "" {
		part = "cell"
	}
	jobID, r, err := c.begin(part)
	if err != nil {
		return nil, err
	}
	defer c.end(jobID)

	job := &pool.Job{
		Kind:       pool.KindExecute,
		NotebookID: c.notebookID,
		Cell: protocol.CellInfo{
			ID:       opts.CellID,
			Filename: opts.Filename,
			Language: opts.Language,
		},
		Code:      opts.Code,
		Env:       opts.Env,
		Globals:   opts.Globals,
		Timeout:   opts.Timeout,
		OnStdout:  opts.OnStdout,
		OnStderr:  opts.OnStderr,
		OnDisplay: opts.OnDisplay,
	}
	return r.Run(ctx, jobID, job)
}

// Invoke calls a handler registered by an earlier cell on this session's
// worker, for example in response to a UI event.
func (c *Client) Invoke(ctx context.Context, opts InvokeOptions) (*pool.ExecutionResult, error) {
	part := opts.HandlerID
	if part == "" {
		part = "handler"
	}
	jobID, r, err := c.begin(part)
	if err != nil {
		return nil, err
	}
	defer c.end(jobID)

	job := &pool.Job{
		Kind:        pool.KindInvokeHandler,
		NotebookID:  c.notebookID,
		HandlerID:   opts.HandlerID,
		Event:       opts.Event,
		Payload:     opts.Payload,
		ComponentID: opts.ComponentID,
		CellID:      opts.CellID,
		Env:         opts.Env,
		Globals:     opts.Globals,
		Timeout:     opts.Timeout,
		OnStdout:    opts.OnStdout,
		OnStderr:    opts.OnStderr,
		OnDisplay:   opts.OnDisplay,
	}
	return r.Run(ctx, jobID, job)
}

// Cancel requests cancellation of the session's in-flight job, if any. The
// outcome is observed through the pending Execute or Invoke call.
func (c *Client) Cancel() {
	c.mu.Lock()
	jobID := c.currentJobID
	r := c.reserved
	c.mu.Unlock()
	if jobID == "" {
		c.logger.Debug("cancel with no active job", "session_id", c.sessionID)
		return
	}
	if r != nil {
		r.Cancel()
		return
	}
	c.pool.Cancel(jobID)
}

// Release terminates the session's sticky worker. It must be called when
// the session closes; a forgotten release leaks one worker process for as
// long as the pool lives. Safe to call more than once.
func (c *Client) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	r := c.reserved
	c.reserved = nil
	c.mu.Unlock()

	if r != nil {
		r.Release()
	}
	c.logger.Info("session released", "session_id", c.sessionID, "notebook_id", c.notebookID)
}
