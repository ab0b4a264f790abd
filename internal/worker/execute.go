package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/notebrook/cellkernel/internal/protocol"
)

// jobRun tracks one in-flight job on the worker.
type jobRun struct {
	id         string
	notebookID string
	timeout    time.Duration
	started    int64
	code       string

	run    *protocol.RunCell
	invoke *protocol.InvokeHandler

	// Loop-thread state.
	outputs  []protocol.OutputRecord
	finished bool

	// aborting is set before the runtime is interrupted so a job whose
	// execution has not reached the loop yet still aborts instead of
	// running to completion.
	aborting atomic.Bool
	abortMsg string

	done     chan struct{}
	cancelCh chan string
}

// interruptReason is the value handed to goja.Interrupt so the unwound
// error carries the abort message.
type interruptReason struct {
	message string
}

var awaitPattern = regexp.MustCompile(`\bawait\b`)

func jobForRunCell(m *protocol.RunCell, timeout time.Duration) *jobRun {
	return &jobRun{
		id:         m.JobID,
		notebookID: m.NotebookID,
		timeout:    timeout,
		code:       m.Code,
		run:        m,
		done:       make(chan struct{}),
		cancelCh:   make(chan string, 1),
	}
}

func jobForInvoke(m *protocol.InvokeHandler, timeout time.Duration) *jobRun {
	return &jobRun{
		id:         m.JobID,
		notebookID: m.NotebookID,
		timeout:    timeout,
		invoke:     m,
		done:       make(chan struct{}),
		cancelCh:   make(chan string, 1),
	}
}

func (jr *jobRun) env() *protocol.EnvSpec {
	if jr.run != nil {
		return jr.run.Env
	}
	return jr.invoke.Env
}

func (jr *jobRun) globalsMap() map[string]any {
	if jr.run != nil {
		return jr.run.Globals
	}
	return jr.invoke.Globals
}

func (jr *jobRun) sourceName() string {
	if jr.run == nil {
		return "handler.js"
	}
	if jr.run.Cell.Filename != "" {
		return jr.run.Cell.Filename
	}
	if jr.run.Cell.ID != "" {
		return jr.run.Cell.ID + ".js"
	}
	return "cell.js"
}

// requestAbort asks the driver to abort the job. Safe from any goroutine;
// repeated requests collapse into one.
func (jr *jobRun) requestAbort(msg string) {
	select {
	case jr.cancelCh <- msg:
	default:
	}
}

// abort interrupts any running code and queues the abort settlement on the
// loop. Called from the driver goroutine.
func (jr *jobRun) abort(nc *notebookContext, msg string) {
	jr.abortMsg = msg
	jr.aborting.Store(true)
	nc.vm.Interrupt(&interruptReason{message: msg})
	nc.loop.RunOnLoop(func(*goja.Runtime) {
		nc.finishAbort(jr, msg)
	})
}

// execute drives one job to completion: context lookup, transpilation,
// dispatch onto the context's loop, then waiting out settlement against
// the timeout and cancellation.
func (s *Server) execute(jr *jobRun) {
	defer s.clearCurrent(jr)

	nc, err := s.contexts.get(jr.notebookID, jr.env())
	if err != nil {
		s.logger.Error("context unavailable", "job_id", jr.id, "notebook_id", jr.notebookID, "error", err)
		s.sendError(jr.id, fmt.Sprintf("context init failed: %v", err))
		close(jr.done)
		return
	}

	// Transpile off the loop. A transpile failure is a user-visible error
	// result, not a worker failure.
	if jr.run != nil && isTypeScript(jr.run.Cell) {
		js, terr := transpileTypeScript(jr.code, jr.sourceName())
		if terr != nil {
			s.finishDirect(jr, &protocol.ErrorInfo{Name: "SyntaxError", Message: terr.Error()})
			return
		}
		jr.code = js
	}

	jr.started = time.Now().UnixMilli()
	s.logger.Debug("job started", "job_id", jr.id, "notebook_id", jr.notebookID)
	nc.loop.RunOnLoop(func(vm *goja.Runtime) {
		nc.beginJob(jr, vm)
	})

	timer := time.NewTimer(jr.timeout)
	defer timer.Stop()
	select {
	case <-jr.done:
	case reason := <-jr.cancelCh:
		jr.abort(nc, reason)
		<-jr.done
	case <-timer.C:
		jr.abort(nc, fmt.Sprintf("execution timed out after %v", jr.timeout))
		<-jr.done
	}
	s.logger.Debug("job finished", "job_id", jr.id)
}

// finishDirect settles a job that never reached the loop.
func (s *Server) finishDirect(jr *jobRun, info *protocol.ErrorInfo) {
	now := time.Now().UnixMilli()
	if jr.started == 0 {
		jr.started = now
	}
	result := &protocol.Result{
		JobID:   jr.id,
		Outputs: []protocol.OutputRecord{{Type: protocol.OutputError, Error: info}},
		Execution: protocol.ExecutionRecord{
			Started: jr.started,
			Ended:   now,
			Status:  protocol.StatusError,
			Error:   info,
		},
	}
	if payload, err := protocol.EncodeControl(result); err == nil {
		_ = s.emitter.EmitControl(payload)
	}
	close(jr.done)
}

// beginJob prepares the runtime and dispatches the job. Runs on the loop.
func (nc *notebookContext) beginJob(jr *jobRun, vm *goja.Runtime) {
	vm.ClearInterrupt()
	if jr.aborting.Load() {
		nc.finishAbort(jr, jr.abortMsg)
		return
	}
	nc.job = jr

	if env := jr.env(); env != nil && env.Variables != nil {
		if err := vm.Set("env", env.Variables); err != nil {
			nc.finishError(jr, &protocol.ErrorInfo{Name: "Error", Message: fmt.Sprintf("failed to set env: %v", err)})
			return
		}
	}
	for k, v := range jr.globalsMap() {
		if err := vm.Set(k, v); err != nil {
			nc.finishError(jr, &protocol.ErrorInfo{Name: "Error", Message: fmt.Sprintf("failed to set global %q: %v", k, err)})
			return
		}
	}

	if jr.invoke != nil {
		nc.runHandler(jr, vm)
		return
	}
	nc.runCell(jr, vm)
}

// runCell compiles and runs cell code, then watches the completion value
// settle. Runs on the loop.
func (nc *notebookContext) runCell(jr *jobRun, vm *goja.Runtime) {
	prog, err := compileCell(jr.sourceName(), jr.code)
	if err != nil {
		nc.finishError(jr, errorInfoFromErr(err))
		return
	}
	v, err := vm.RunProgram(prog)
	if err != nil {
		nc.finishRunError(jr, err)
		return
	}
	nc.watchSettle(jr, vm, v)
}

// runHandler invokes a registered handler with the event name and parsed
// payload. Runs on the loop.
func (nc *notebookContext) runHandler(jr *jobRun, vm *goja.Runtime) {
	fn, ok := nc.handlers[jr.invoke.HandlerID]
	if !ok {
		nc.finishError(jr, &protocol.ErrorInfo{
			Name:    "Error",
			Message: fmt.Sprintf("unknown handler %q", jr.invoke.HandlerID),
		})
		return
	}

	var payload goja.Value = goja.Undefined()
	if len(jr.invoke.Payload) > 0 {
		var data any
		if err := json.Unmarshal(jr.invoke.Payload, &data); err != nil {
			nc.finishError(jr, &protocol.ErrorInfo{
				Name:    "SyntaxError",
				Message: fmt.Sprintf("handler payload is not valid JSON: %v", err),
			})
			return
		}
		payload = vm.ToValue(data)
	}

	v, err := fn(goja.Undefined(), vm.ToValue(jr.invoke.Event), payload)
	if err != nil {
		nc.finishRunError(jr, err)
		return
	}
	nc.watchSettle(jr, vm, v)
}

// watchSettle resolves the completion value through the promise machinery
// so timer-driven async code settles naturally. Runs on the loop.
func (nc *notebookContext) watchSettle(jr *jobRun, vm *goja.Runtime, v goja.Value) {
	onOk := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		nc.finishOK(jr, call.Argument(0))
		return goja.Undefined()
	})
	onErr := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		nc.finishError(jr, errorInfoFromValue(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := nc.settle(goja.Undefined(), v, onOk, onErr); err != nil {
		nc.finishRunError(jr, err)
	}
}

// finishOK settles the job as ok. A defined completion value becomes the
// job's final display record.
func (nc *notebookContext) finishOK(jr *jobRun, v goja.Value) {
	if jr.finished {
		return
	}
	if v != nil && !goja.IsUndefined(v) {
		rec, _ := nc.displayRecord(v)
		jr.outputs = append(jr.outputs, rec)
	}
	nc.settleJob(jr, protocol.ExecutionRecord{Status: protocol.StatusOK})
}

// finishError settles the job as a user-visible error.
func (nc *notebookContext) finishError(jr *jobRun, info *protocol.ErrorInfo) {
	if jr.finished {
		return
	}
	jr.outputs = append(jr.outputs, protocol.OutputRecord{Type: protocol.OutputError, Error: info})
	nc.settleJob(jr, protocol.ExecutionRecord{Status: protocol.StatusError, Error: info})
}

// finishRunError routes an engine error to the abort or error path.
func (nc *notebookContext) finishRunError(jr *jobRun, err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		msg := "execution interrupted"
		if reason, ok := interrupted.Value().(*interruptReason); ok {
			msg = reason.message
		}
		nc.finishAbort(jr, msg)
		return
	}
	nc.finishError(jr, errorInfoFromErr(err))
}

// finishAbort settles the job as aborted. The interrupt flag is cleared
// even when the job already settled, so a late interrupt cannot poison the
// context's next run.
func (nc *notebookContext) finishAbort(jr *jobRun, msg string) {
	nc.vm.ClearInterrupt()
	if jr.finished {
		return
	}
	info := &protocol.ErrorInfo{Name: "AbortError", Message: msg}
	nc.settleJob(jr, protocol.ExecutionRecord{Status: protocol.StatusAborted, Error: info})
}

// settleJob emits the terminal result and releases the context. Runs on
// the loop; the finished guard in the callers makes settlement one-shot.
func (nc *notebookContext) settleJob(jr *jobRun, exec protocol.ExecutionRecord) {
	jr.finished = true
	nc.job = nil
	exec.Started = jr.started
	exec.Ended = time.Now().UnixMilli()

	result := &protocol.Result{JobID: jr.id, Outputs: jr.outputs, Execution: exec}
	if result.Outputs == nil {
		result.Outputs = []protocol.OutputRecord{}
	}
	payload, err := protocol.EncodeControl(result)
	if err != nil {
		payload, _ = protocol.EncodeControl(&protocol.ErrorMessage{
			JobID:   jr.id,
			Message: fmt.Sprintf("failed to encode result: %v", err),
		})
	}
	_ = nc.emitter.EmitControl(payload)
	close(jr.done)
}

// compileCell compiles cell source as a script. Source that fails to parse
// but mentions await is retried wrapped in an async function, since
// top-level await only parses inside one; the wrapped form completes with
// its returned value.
func compileCell(name, code string) (*goja.Program, error) {
	prog, err := goja.Compile(name, code, false)
	if err == nil {
		return prog, nil
	}
	if !awaitPattern.MatchString(code) {
		return nil, err
	}
	wrapped := "(async () => {\n" + code + "\n})()"
	prog, werr := goja.Compile(name, wrapped, false)
	if werr != nil {
		return nil, err
	}
	return prog, nil
}
