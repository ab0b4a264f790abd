package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notebrook/cellkernel/internal/protocol"
)

// JobKind selects what a job asks the worker to do.
type JobKind string

const (
	// KindExecute runs a notebook cell's code.
	KindExecute JobKind = "execute"
	// KindInvokeHandler calls a handler a previous cell registered.
	KindInvokeHandler JobKind = "invokeHandler"
)

// Job describes one execution request. The stream callbacks are invoked in
// the order the worker emitted the frames, always before Run returns; they
// run on the pool's reader goroutine and must not block for long.
type Job struct {
	Kind       JobKind
	NotebookID string

	// Execute payload.
	Cell protocol.CellInfo
	Code string

	// InvokeHandler payload.
	HandlerID   string
	Event       string
	Payload     json.RawMessage
	ComponentID string
	CellID      string

	Env     *protocol.EnvSpec
	Globals map[string]any

	// Timeout overrides the pool's default per-job timeout when positive.
	Timeout time.Duration

	OnStdout  func(text string)
	OnStderr  func(text string)
	OnDisplay func(payload json.RawMessage)
}

// validate checks the fields the worker-side message validation will demand,
// so a malformed job fails fast instead of being dropped as protocol noise.
func (j *Job) validate() error {
	if j == nil {
		return errors.New("nil job")
	}
	if j.NotebookID == "" {
		return errors.New("job has no notebook id")
	}
	switch j.Kind {
	case KindExecute:
		return nil
	case KindInvokeHandler:
		if j.HandlerID == "" {
			return errors.New("invokeHandler job has no handler id")
		}
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

// controlMessage builds the wire message for the job.
func (j *Job) controlMessage(jobID string, timeout time.Duration) protocol.ControlMessage {
	ms := timeout.Milliseconds()
	if j.Kind == KindInvokeHandler {
		return &protocol.InvokeHandler{
			JobID:       jobID,
			NotebookID:  j.NotebookID,
			HandlerID:   j.HandlerID,
			Event:       j.Event,
			Payload:     j.Payload,
			ComponentID: j.ComponentID,
			CellID:      j.CellID,
			Env:         j.Env,
			Globals:     j.Globals,
			TimeoutMs:   ms,
		}
	}
	return &protocol.RunCell{
		JobID:      jobID,
		NotebookID: j.NotebookID,
		Cell:       j.Cell,
		Code:       j.Code,
		Env:        j.Env,
		Globals:    j.Globals,
		TimeoutMs:  ms,
	}
}

// ExecutionResult is the terminal outcome of one job.
type ExecutionResult struct {
	Outputs   []protocol.OutputRecord
	Execution protocol.ExecutionRecord

	// StateReset reports that the reserved worker serving this session was
	// replaced since the previous job, so globals from earlier cells are gone.
	StateReset bool
}

// activeEntry is the pool's bookkeeping for one in-flight job. It settles
// exactly once; whichever of result delivery, crash, cancellation, output
// cap, or deadline gets there first wins and the rest become no-ops.
type activeEntry struct {
	jobID string
	job   *Job

	outputBytes atomic.Int64
	stateReset  bool

	mu         sync.Mutex
	worker     *workerProc
	graceTimer *time.Timer
	canceled   bool

	done    chan struct{}
	settled atomic.Bool
	result  *ExecutionResult
	err     error
}

func newActiveEntry(jobID string, job *Job) *activeEntry {
	return &activeEntry{
		jobID: jobID,
		job:   job,
		done:  make(chan struct{}),
	}
}

// settle records the entry's outcome. The first caller wins.
func (e *activeEntry) settle(result *ExecutionResult, err error) {
	if !e.settled.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.mu.Unlock()
	e.result = result
	e.err = err
	close(e.done)
}

func (e *activeEntry) isSettled() bool {
	return e.settled.Load()
}
