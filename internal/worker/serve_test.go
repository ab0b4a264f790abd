package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/protocol"
)

var jobSeq atomic.Int64

func nextJobID() string {
	return fmt.Sprintf("job-%d", jobSeq.Add(1))
}

// workerHarness drives a Server in-process over pipes, the same byte
// streams a spawned worker would speak.
type workerHarness struct {
	t         *testing.T
	stdin     *io.PipeWriter
	control   *protocol.ControlWriter
	frames    chan *protocol.Frame
	serveDone chan error
	stopOnce  sync.Once
	serveErr  error
}

func newHarness(t *testing.T, cfg config.WorkerConfig) *workerHarness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, logger)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(stdinR, stdoutW)
		stdoutW.Close()
	}()

	frames := make(chan *protocol.Frame, 256)
	go func() {
		fr := protocol.NewFrameReader(stdoutR)
		for {
			f, err := fr.Next()
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()

	h := &workerHarness{
		t:         t,
		stdin:     stdinW,
		control:   protocol.NewControlWriter(stdinW),
		frames:    frames,
		serveDone: serveDone,
	}
	t.Cleanup(func() {
		if err := h.stop(); err != nil {
			t.Errorf("server shutdown: %v", err)
		}
	})
	return h
}

// stop closes stdin and waits for Serve to return. Safe to call more than
// once; the first outcome sticks.
func (h *workerHarness) stop() error {
	h.stopOnce.Do(func() {
		h.stdin.Close()
		select {
		case h.serveErr = <-h.serveDone:
		case <-time.After(5 * time.Second):
			h.serveErr = errors.New("server did not stop after stdin close")
		}
	})
	return h.serveErr
}

func defaultTestConfig(t *testing.T) config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.SandboxRoot = t.TempDir()
	cfg.BatchInterval = 0
	cfg.MaxContexts = 4
	return cfg
}

func (h *workerHarness) send(msg protocol.ControlMessage) {
	h.t.Helper()
	if err := h.control.Send(msg); err != nil {
		h.t.Fatalf("send control: %v", err)
	}
}

// collect reads frames until the job's terminal control message arrives,
// returning it along with the stream frames seen on the way.
func (h *workerHarness) collect(jobID string) (protocol.ControlMessage, []*protocol.Frame) {
	h.t.Helper()
	var streamed []*protocol.Frame
	deadline := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-h.frames:
			if !ok {
				h.t.Fatalf("frame stream closed waiting for job %s", jobID)
			}
			if f.Kind != protocol.KindControl {
				streamed = append(streamed, f)
				continue
			}
			msg, err := protocol.DecodeControl(f.Payload)
			if err != nil {
				h.t.Fatalf("bad control frame: %v", err)
			}
			switch m := msg.(type) {
			case *protocol.Result:
				if m.JobID == jobID {
					return m, streamed
				}
			case *protocol.ErrorMessage:
				if m.JobID == jobID {
					return m, streamed
				}
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for job %s", jobID)
		}
	}
}

func (h *workerHarness) runCell(notebookID, code string, timeoutMs int64) (*protocol.Result, []*protocol.Frame) {
	h.t.Helper()
	jobID := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      jobID,
		NotebookID: notebookID,
		Cell:       protocol.CellInfo{ID: jobID, Language: "javascript"},
		Code:       code,
		TimeoutMs:  timeoutMs,
	})
	msg, frames := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		h.t.Fatalf("job %s: got %T instead of result", jobID, msg)
	}
	return result, frames
}

func streamText(frames []*protocol.Frame, kind protocol.FrameKind) string {
	var sb strings.Builder
	for _, f := range frames {
		if f.Kind == kind {
			sb.Write(f.Payload)
		}
	}
	return sb.String()
}

func TestRunCellSimpleExpression(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, _ := h.runCell("nb1", "1 + 1", 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	if len(result.Outputs) != 1 {
		t.Fatalf("outputs = %+v, want one display record", result.Outputs)
	}
	out := result.Outputs[0]
	if out.Type != protocol.OutputDisplay || out.Text != "2" || string(out.JSON) != "2" {
		t.Errorf("display record = %+v", out)
	}
	if result.Execution.Ended < result.Execution.Started {
		t.Errorf("timestamps out of order: %+v", result.Execution)
	}
}

func TestRunCellConsoleOutput(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, frames := h.runCell("nb1", `console.log("hello"); console.error("oops"); undefined`, 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	if got := streamText(frames, protocol.KindStdout); got != "hello\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\n")
	}
	if got := streamText(frames, protocol.KindStderr); got != "oops\n" {
		t.Errorf("stderr = %q, want %q", got, "oops\n")
	}
	if len(result.Outputs) != 0 {
		t.Errorf("undefined completion produced outputs: %+v", result.Outputs)
	}
}

func TestRunCellStatePersistsAcrossJobs(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	if result, _ := h.runCell("nb1", "let counter = 41;", 0); result.Execution.Status != protocol.StatusOK {
		t.Fatalf("first cell failed: %+v", result.Execution)
	}
	result, _ := h.runCell("nb1", "counter + 1", 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "42" {
		t.Errorf("outputs = %+v, want 42", result.Outputs)
	}
}

func TestRunCellContextsAreIsolated(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	h.runCell("nb1", "globalThis.secret = 'nb1 only';", 0)
	result, _ := h.runCell("nb2", "typeof secret", 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "undefined" {
		t.Errorf("outputs = %+v, want undefined", result.Outputs)
	}
}

func TestRunCellThrownError(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, _ := h.runCell("nb1", `throw new TypeError("boom")`, 0)
	if result.Execution.Status != protocol.StatusError {
		t.Fatalf("status = %s, want error", result.Execution.Status)
	}
	if result.Execution.Error == nil || result.Execution.Error.Name != "TypeError" || result.Execution.Error.Message != "boom" {
		t.Errorf("error = %+v", result.Execution.Error)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Type != protocol.OutputError {
		t.Errorf("outputs = %+v, want one error record", result.Outputs)
	}
}

func TestRunCellSyntaxError(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, _ := h.runCell("nb1", "const = ;", 0)
	if result.Execution.Status != protocol.StatusError {
		t.Fatalf("status = %s, want error", result.Execution.Status)
	}
	if result.Execution.Error == nil || result.Execution.Error.Name != "SyntaxError" {
		t.Errorf("error = %+v, want SyntaxError", result.Execution.Error)
	}
}

func TestRunCellRejectedPromise(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, _ := h.runCell("nb1", `Promise.reject(new RangeError("bad"))`, 0)
	if result.Execution.Status != protocol.StatusError {
		t.Fatalf("status = %s, want error", result.Execution.Status)
	}
	if result.Execution.Error == nil || result.Execution.Error.Name != "RangeError" {
		t.Errorf("error = %+v", result.Execution.Error)
	}
}

func TestRunCellAwaitedTimer(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	code := `const v = await new Promise(r => setTimeout(() => r("done"), 30)); return v;`
	result, _ := h.runCell("nb1", code, 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok (error: %+v)", result.Execution.Status, result.Execution.Error)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "done" {
		t.Errorf("outputs = %+v, want done", result.Outputs)
	}
}

func TestRunCellTimeoutBusyLoop(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	start := time.Now()
	result, _ := h.runCell("nb1", "while (true) {}", 200)
	elapsed := time.Since(start)
	if result.Execution.Status != protocol.StatusAborted {
		t.Fatalf("status = %s, want aborted", result.Execution.Status)
	}
	if elapsed > 5*time.Second {
		t.Errorf("abort took %v", elapsed)
	}
}

func TestRunCellTimeoutPendingTimer(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	start := time.Now()
	result, _ := h.runCell("nb1", "await new Promise(r => setTimeout(r, 5000))", 100)
	elapsed := time.Since(start)
	if result.Execution.Status != protocol.StatusAborted {
		t.Fatalf("status = %s, want aborted", result.Execution.Status)
	}
	if elapsed > 2*time.Second {
		t.Errorf("abort took %v, want roughly the 100ms timeout", elapsed)
	}

	// The worker stays usable after an abort.
	result, _ = h.runCell("nb1", "2 + 2", 0)
	if result.Execution.Status != protocol.StatusOK || len(result.Outputs) != 1 || result.Outputs[0].Text != "4" {
		t.Errorf("follow-up job = %+v", result)
	}
}

func TestCancelInFlightJob(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	jobID := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      jobID,
		NotebookID: "nb1",
		Code:       "await new Promise(r => setTimeout(r, 10000))",
		TimeoutMs:  30000,
	})
	// Give the job a moment to start before canceling.
	time.Sleep(100 * time.Millisecond)
	h.send(&protocol.Cancel{JobID: jobID})

	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if result.Execution.Status != protocol.StatusAborted {
		t.Errorf("status = %s, want aborted", result.Execution.Status)
	}
}

func TestCancelUnknownJobIgnored(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	h.send(&protocol.Cancel{JobID: "never-ran"})
	result, _ := h.runCell("nb1", "7", 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Errorf("status = %s, want ok", result.Execution.Status)
	}
}

func TestDisplayStreamsAndRecords(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, frames := h.runCell("nb1", `display({a: 1}); display("plain"); undefined`, 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	if len(result.Outputs) != 2 {
		t.Fatalf("outputs = %+v, want two display records", result.Outputs)
	}
	if string(result.Outputs[0].JSON) != `{"a":1}` {
		t.Errorf("first record JSON = %s", result.Outputs[0].JSON)
	}
	if result.Outputs[1].Text != "plain" {
		t.Errorf("second record text = %q", result.Outputs[1].Text)
	}

	var displays [][]byte
	for _, f := range frames {
		if f.Kind == protocol.KindDisplay {
			displays = append(displays, f.Payload)
		}
	}
	if len(displays) != 2 {
		t.Fatalf("streamed %d display frames, want 2", len(displays))
	}
	if string(displays[0]) != `{"a":1}` || string(displays[1]) != `"plain"` {
		t.Errorf("display payloads = %q, %q", displays[0], displays[1])
	}
}

func TestGlobalsInjected(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	jobID := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      jobID,
		NotebookID: "nb1",
		Code:       "base * 2",
		Globals:    map[string]any{"base": 21},
	})
	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "42" {
		t.Errorf("outputs = %+v, want 42", result.Outputs)
	}
}

func TestEnvVariablesAndManifest(t *testing.T) {
	cfg := defaultTestConfig(t)
	h := newHarness(t, cfg)

	jobID := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      jobID,
		NotebookID: "nb1",
		Code:       "env.GREETING",
		Env: &protocol.EnvSpec{
			Runtime:   protocol.RuntimeInfo{Name: "cellkernel"},
			Packages:  []string{"leftpad@1.0.0"},
			Variables: map[string]string{"GREETING": "hi"},
		},
	})
	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "hi" {
		t.Errorf("outputs = %+v, want hi", result.Outputs)
	}

	manifest, err := os.ReadFile(filepath.Join(cfg.SandboxRoot, "nb1", envManifestName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var env protocol.EnvSpec
	if err := json.Unmarshal(manifest, &env); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if len(env.Packages) != 1 || env.Packages[0] != "leftpad@1.0.0" {
		t.Errorf("manifest packages = %v", env.Packages)
	}
}

func TestRegisterAndInvokeHandler(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	setup := `registerHandler("onClick", (event, payload) => event + ":" + payload.count);`
	if result, _ := h.runCell("nb1", setup, 0); result.Execution.Status != protocol.StatusOK {
		t.Fatalf("setup failed: %+v", result.Execution)
	}

	jobID := nextJobID()
	h.send(&protocol.InvokeHandler{
		JobID:      jobID,
		NotebookID: "nb1",
		HandlerID:  "onClick",
		Event:      "click",
		Payload:    json.RawMessage(`{"count": 3}`),
	})
	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok (error: %+v)", result.Execution.Status, result.Execution.Error)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "click:3" {
		t.Errorf("outputs = %+v, want click:3", result.Outputs)
	}
}

func TestInvokeUnknownHandler(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	h.runCell("nb1", "1", 0)
	jobID := nextJobID()
	h.send(&protocol.InvokeHandler{
		JobID:      jobID,
		NotebookID: "nb1",
		HandlerID:  "missing",
		Event:      "click",
	})
	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if result.Execution.Status != protocol.StatusError {
		t.Errorf("status = %s, want error", result.Execution.Status)
	}
	if result.Execution.Error == nil || !strings.Contains(result.Execution.Error.Message, "missing") {
		t.Errorf("error = %+v", result.Execution.Error)
	}
}

func TestTypeScriptCell(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	jobID := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      jobID,
		NotebookID: "nb1",
		Cell:       protocol.CellInfo{ID: "c1", Filename: "cell.ts", Language: "typescript"},
		Code:       "const n: number = 40; n + 2",
	})
	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok (error: %+v)", result.Execution.Status, result.Execution.Error)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "42" {
		t.Errorf("outputs = %+v, want 42", result.Outputs)
	}
}

func TestTypeScriptSyntaxError(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	jobID := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      jobID,
		NotebookID: "nb1",
		Cell:       protocol.CellInfo{ID: "c1", Language: "typescript"},
		Code:       "const n: = 1",
	})
	msg, _ := h.collect(jobID)
	result, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("got %T, want result", msg)
	}
	if result.Execution.Status != protocol.StatusError {
		t.Fatalf("status = %s, want error", result.Execution.Status)
	}
	if result.Execution.Error == nil || result.Execution.Error.Name != "SyntaxError" {
		t.Errorf("error = %+v, want SyntaxError", result.Execution.Error)
	}
}

func TestBusyWorkerRejectsSecondJob(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	first := nextJobID()
	h.send(&protocol.RunCell{
		JobID:      first,
		NotebookID: "nb1",
		Code:       "await new Promise(r => setTimeout(r, 500))",
		TimeoutMs:  10000,
	})
	time.Sleep(100 * time.Millisecond)

	second := nextJobID()
	h.send(&protocol.RunCell{JobID: second, NotebookID: "nb1", Code: "1"})

	msg, _ := h.collect(second)
	errMsg, ok := msg.(*protocol.ErrorMessage)
	if !ok {
		t.Fatalf("got %T, want error message", msg)
	}
	if !strings.Contains(errMsg.Message, "busy") {
		t.Errorf("message = %q", errMsg.Message)
	}

	// The first job still completes.
	msg, _ = h.collect(first)
	if result, ok := msg.(*protocol.Result); !ok || result.Execution.Status != protocol.StatusOK {
		t.Errorf("first job = %+v", msg)
	}
}

func TestStrayTimerOutputDropped(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	result, _ := h.runCell("nb1", `setTimeout(() => console.log("late"), 50); "sync done"`, 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	// Let the stray timer fire while no job is active.
	time.Sleep(200 * time.Millisecond)

	_, frames := h.runCell("nb1", "1", 0)
	if got := streamText(frames, protocol.KindStdout); strings.Contains(got, "late") {
		t.Errorf("stray output leaked into the next job: %q", got)
	}
}

func TestGarbageControlLinesIgnored(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	io.WriteString(h.stdin, "not json at all\n")
	io.WriteString(h.stdin, `{"type":"runCell"}`+"\n")

	result, _ := h.runCell("nb1", "3", 0)
	if result.Execution.Status != protocol.StatusOK || result.Outputs[0].Text != "3" {
		t.Errorf("result after garbage = %+v", result)
	}
}

func TestServeStopsOnStdinClose(t *testing.T) {
	h := newHarness(t, defaultTestConfig(t))

	h.runCell("nb1", "1", 0)
	if err := h.stop(); err != nil {
		t.Errorf("Serve returned %v", err)
	}
}

func TestRequireWithinSandbox(t *testing.T) {
	cfg := defaultTestConfig(t)
	h := newHarness(t, cfg)

	// First job creates the notebook's sandbox.
	h.runCell("nb1", "1", 0)
	mod := filepath.Join(cfg.SandboxRoot, "nb1", "util.js")
	if err := os.WriteFile(mod, []byte("module.exports = { val: 7 };"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}

	result, _ := h.runCell("nb1", `const u = require("./util.js"); u.val`, 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok (error: %+v)", result.Execution.Status, result.Execution.Error)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "7" {
		t.Errorf("outputs = %+v, want 7", result.Outputs)
	}
}

func TestRequireEscapeRejected(t *testing.T) {
	cfg := defaultTestConfig(t)
	h := newHarness(t, cfg)

	// A file outside every sandbox must stay unreachable.
	outside := filepath.Join(cfg.SandboxRoot, "secret.js")
	if err := os.WriteFile(outside, []byte("module.exports = 'leaked';"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	result, _ := h.runCell("nb1", `require("../secret.js")`, 0)
	if result.Execution.Status != protocol.StatusError {
		t.Fatalf("status = %s, want error", result.Execution.Status)
	}
}

func TestRequireFromNodeModules(t *testing.T) {
	cfg := defaultTestConfig(t)
	h := newHarness(t, cfg)

	h.runCell("nb1", "1", 0)
	mod := filepath.Join(cfg.SandboxRoot, "nb1", nodeModulesDir, "leftpad.js")
	if err := os.WriteFile(mod, []byte("module.exports = function (s) { return ' ' + s; };"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}

	result, _ := h.runCell("nb1", `const lp = require("leftpad"); lp("x")`, 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok (error: %+v)", result.Execution.Status, result.Execution.Error)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != " x" {
		t.Errorf("outputs = %+v", result.Outputs)
	}
}

func TestContextEvictionDropsState(t *testing.T) {
	cfg := defaultTestConfig(t)
	cfg.MaxContexts = 2
	h := newHarness(t, cfg)

	h.runCell("nb1", "let keep = 'alive';", 0)
	h.runCell("nb2", "1", 0)
	h.runCell("nb3", "1", 0) // evicts nb1

	result, _ := h.runCell("nb1", "typeof keep", 0)
	if result.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %s, want ok", result.Execution.Status)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Text != "undefined" {
		t.Errorf("outputs = %+v, want undefined after eviction", result.Outputs)
	}
}
