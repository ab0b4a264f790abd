package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/pool"
	"github.com/notebrook/cellkernel/internal/pool/pooltest"
	"github.com/notebrook/cellkernel/internal/protocol"
)

func TestMain(m *testing.M) {
	if pooltest.IsWorker() {
		pooltest.Main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestPool(t *testing.T, size int) *pool.Pool {
	t.Helper()
	t.Setenv(pooltest.EnvVar, "1")
	cfg := config.Default()
	cfg.Pool.Size = size
	cfg.Pool.WorkerPath = os.Args[0]
	cfg.Pool.JobTimeout = 5 * time.Second
	cfg.Pool.CancelGrace = 80 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := pool.New(cfg, logger)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func newTestClient(t *testing.T, p *pool.Pool) *Client {
	t.Helper()
	c := NewClient(p, "sess-1", "nb-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(c.Release)
	return c
}

// runCount executes the counting command and returns the worker's counter.
func runCount(t *testing.T, c *Client) (string, *pool.ExecutionResult) {
	t.Helper()
	var out string
	res, err := c.Execute(context.Background(), ExecuteOptions{
		CellID:   "cell-count",
		Code:     "count",
		OnStdout: func(s string) { out = s },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return out, res
}

func TestExecuteDerivesJobID(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	var got string
	before := time.Now().UnixMilli()
	_, err := c.Execute(context.Background(), ExecuteOptions{
		CellID:   "cell-9",
		Code:     "jobid",
		OnStdout: func(s string) { got = s },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	after := time.Now().UnixMilli()

	const prefix = "sess-1:cell-9:"
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("job id = %q, want prefix %q", got, prefix)
	}
	ts, err := strconv.ParseInt(strings.TrimPrefix(got, prefix), 10, 64)
	if err != nil {
		t.Fatalf("job id suffix not a timestamp: %q", got)
	}
	if ts < before || ts > after {
		t.Fatalf("job id timestamp %d outside [%d, %d]", ts, before, after)
	}
}

func TestExecuteReusesStickyWorker(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	if s := p.Stats(); s.Reserved != 0 {
		t.Fatalf("reserved before first execute = %d", s.Reserved)
	}

	n1, res1 := runCount(t, c)
	if s := p.Stats(); s.Reserved != 1 {
		t.Fatalf("reserved after first execute = %d", s.Reserved)
	}
	n2, res2 := runCount(t, c)

	// Counter continuity proves both cells hit the same process.
	if n1 != "1" || n2 != "2" {
		t.Fatalf("counts = %q, %q, want 1, 2", n1, n2)
	}
	if res1.StateReset || res2.StateReset {
		t.Fatal("unexpected state reset")
	}
	if s := p.Stats(); s.Reserved != 1 {
		t.Fatalf("reserved after second execute = %d", s.Reserved)
	}
}

func TestExecuteRoutesStreams(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	var stdout, stderr, display string
	res, err := c.Execute(context.Background(), ExecuteOptions{
		CellID:    "cell-1",
		Code:      "echo hi",
		OnStdout:  func(s string) { stdout = s },
		OnStderr:  func(s string) { stderr = s },
		OnDisplay: func(b json.RawMessage) { display = string(b) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %q", res.Execution.Status)
	}
	if stdout != "hi" || stderr != "" || display != "" {
		t.Fatalf("streams = %q, %q, %q", stdout, stderr, display)
	}
}

func TestExecuteSerializesJobs(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), ExecuteOptions{
			CellID:   "cell-slow",
			Code:     "sleep 400",
			OnStdout: func(string) { once.Do(func() { close(started) }) },
		})
		done <- err
	}()
	<-started

	_, err := c.Execute(context.Background(), ExecuteOptions{CellID: "cell-2", Code: "ok"})
	if err == nil || !strings.Contains(err.Error(), "in flight") {
		t.Fatalf("err = %v, want in-flight rejection", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// The bookkeeping cleared; the next cell runs.
	if _, err := c.Execute(context.Background(), ExecuteOptions{CellID: "cell-3", Code: "ok"}); err != nil {
		t.Fatalf("execute after settle: %v", err)
	}
}

func TestExecuteClearsJobAfterFailure(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	n1, _ := runCount(t, c)
	if n1 != "1" {
		t.Fatalf("count = %q", n1)
	}

	_, err := c.Execute(context.Background(), ExecuteOptions{CellID: "cell-crash", Code: "crash"})
	if !errors.Is(err, pool.ErrWorkerCrashed) {
		t.Fatalf("err = %v, want ErrWorkerCrashed", err)
	}

	// The crash respawned the sticky worker: state is gone and the first
	// result after the replacement says so.
	n2, res := runCount(t, c)
	if n2 != "1" {
		t.Fatalf("count after crash = %q, want 1", n2)
	}
	if !res.StateReset {
		t.Fatal("expected StateReset after crash respawn")
	}
}

func TestCancelWithoutActiveJob(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	c.Cancel() // no-op

	if n, _ := runCount(t, c); n != "1" {
		t.Fatalf("count = %q", n)
	}
}

func TestCancelActiveJob(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	started := make(chan struct{})
	var once sync.Once
	type outcome struct {
		res *pool.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Execute(context.Background(), ExecuteOptions{
			CellID:   "cell-slow",
			Code:     "sleep 5000",
			OnStdout: func(string) { once.Do(func() { close(started) }) },
		})
		done <- outcome{res, err}
	}()
	<-started
	c.Cancel()

	out := <-done
	if out.err != nil {
		t.Fatalf("Execute: %v", out.err)
	}
	if out.res.Execution.Status != protocol.StatusAborted {
		t.Fatalf("status = %q, want aborted", out.res.Execution.Status)
	}
}

func TestInvokeHandler(t *testing.T) {
	p := newTestPool(t, 1)
	c := newTestClient(t, p)

	var stdout string
	res, err := c.Invoke(context.Background(), InvokeOptions{
		HandlerID: "h1",
		Event:     "click",
		Payload:   []byte(`{"x":1}`),
		OnStdout:  func(s string) { stdout = s },
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Execution.Status != protocol.StatusOK {
		t.Fatalf("status = %q", res.Execution.Status)
	}
	if stdout != "handler h1 click" {
		t.Fatalf("stdout = %q", stdout)
	}

	if _, err := c.Invoke(context.Background(), InvokeOptions{HandlerID: "missing", Event: "click"}); err == nil {
		t.Fatal("expected rejection for missing handler")
	}
}

func TestReleaseTerminatesWorker(t *testing.T) {
	p := newTestPool(t, 1)
	c := NewClient(p, "sess-r", "nb-1", slog.New(slog.NewTextHandler(io.Discard, nil)))

	runCountOn(t, c)
	if s := p.Stats(); s.Reserved != 1 {
		t.Fatalf("reserved = %d", s.Reserved)
	}

	c.Release()
	c.Release() // idempotent

	if s := p.Stats(); s.Reserved != 0 {
		t.Fatalf("reserved after release = %d", s.Reserved)
	}
	if _, err := c.Execute(context.Background(), ExecuteOptions{CellID: "cell-late", Code: "ok"}); !errors.Is(err, pool.ErrWorkerReleased) {
		t.Fatalf("err = %v, want ErrWorkerReleased", err)
	}
}

func runCountOn(t *testing.T, c *Client) {
	t.Helper()
	if _, err := c.Execute(context.Background(), ExecuteOptions{CellID: "cell-count", Code: "count"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestRegistryAcquireCreatesOnce(t *testing.T) {
	p := newTestPool(t, 1)
	r := NewRegistry(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Close)

	c1, err := r.Acquire("sess-1", "nb-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c2, err := r.Acquire("sess-1", "nb-1")
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if c1 != c2 {
		t.Fatal("repeated Acquire returned a different client")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}

	if _, err := r.Acquire("sess-1", "nb-other"); err == nil {
		t.Fatal("expected notebook mismatch error")
	}
	if _, err := r.Acquire("", "nb-1"); err == nil {
		t.Fatal("expected empty session id error")
	}
	if _, err := r.Acquire("sess-2", ""); err == nil {
		t.Fatal("expected empty notebook id error")
	}
}

func TestRegistryReleaseForgetsSession(t *testing.T) {
	p := newTestPool(t, 1)
	r := NewRegistry(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Close)

	c1, err := r.Acquire("sess-1", "nb-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	n1, _ := runCount(t, c1)
	if n1 != "1" {
		t.Fatalf("count = %q", n1)
	}

	r.Release("sess-1")
	r.Release("sess-1") // unknown now, ignored
	if r.Len() != 0 {
		t.Fatalf("Len after release = %d", r.Len())
	}

	// A fresh acquire is a fresh session with a fresh worker.
	c2, err := r.Acquire("sess-1", "nb-1")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if c2 == c1 {
		t.Fatal("released session was not forgotten")
	}
	n2, _ := runCount(t, c2)
	if n2 != "1" {
		t.Fatalf("count on fresh session = %q, want 1", n2)
	}
}

func TestRegistryClose(t *testing.T) {
	p := newTestPool(t, 1)
	r := NewRegistry(p, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c1, err := r.Acquire("sess-1", "nb-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := r.Acquire("sess-2", "nb-2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runCountOn(t, c1)

	r.Close()
	r.Close() // idempotent

	if s := p.Stats(); s.Reserved != 0 {
		t.Fatalf("reserved after close = %d", s.Reserved)
	}
	if _, err := r.Acquire("sess-3", "nb-3"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("err = %v, want ErrRegistryClosed", err)
	}
	if _, err := c1.Execute(context.Background(), ExecuteOptions{CellID: "c", Code: "ok"}); !errors.Is(err, pool.ErrWorkerReleased) {
		t.Fatalf("err = %v, want ErrWorkerReleased", err)
	}
}
