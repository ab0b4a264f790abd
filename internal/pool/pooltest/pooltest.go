// Package pooltest implements the scripted worker used by tests that drive
// a real pool against real subprocesses without building the production
// worker binary first. Test binaries re-exec themselves as workers: their
// TestMain calls Main when IsWorker reports true, and tests point the
// pool's WorkerPath at os.Args[0] with EnvVar set.
//
// The worker interprets a job's Code field as a one-line command:
//
//	ok                   result with status ok
//	echo <text>          one stdout frame, then ok
//	lines <n>            n ordered stdout frames, then ok
//	stderr <text>        one stderr frame, then ok
//	display <json>       one display frame, then ok
//	outputs              ok result carrying a display output record
//	fail <msg>           result with status error
//	sleep <ms>           stdout marker, then ok after ms; honors cancel and
//	                     the job timeout with an aborted result
//	hang                 never answers and ignores cancel
//	silent               never answers this job but stays alive
//	crash                exits the process without answering
//	flood <n>            n 1 KiB stdout frames, then ok
//	count                increments a process-local counter, echoes it
//	pid                  echoes the worker's process id
//	jobid                echoes the job's id
//
// Anything else is rejected with an error message, as is an invokeHandler
// naming the handler "missing".
package pooltest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/notebrook/cellkernel/internal/protocol"
)

// EnvVar gates worker mode in a re-exec'd test binary.
const EnvVar = "CELLKERNEL_TEST_WORKER"

// IsWorker reports whether this process was spawned as a scripted worker.
func IsWorker() bool {
	return os.Getenv(EnvVar) == "1"
}

// Main runs the scripted worker loop over the process's own stdin and
// stdout until stdin closes.
func Main() {
	f := &fakeWorker{
		out:     protocol.NewFrameWriter(os.Stdout),
		cancels: make(map[string]chan struct{}),
	}
	scanner := protocol.NewControlScanner(os.Stdin)
	var wg sync.WaitGroup
	for {
		msg, err := scanner.Next()
		if err != nil {
			break
		}
		switch m := msg.(type) {
		case *protocol.RunCell:
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.run(m)
			}()
		case *protocol.InvokeHandler:
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.invoke(m)
			}()
		case *protocol.Cancel:
			f.cancel(m.JobID)
		}
	}
	wg.Wait()
}

// fakeWorker holds the process-local state. The counter survives across
// jobs, which is what lets tests tell a surviving process from a respawned
// one.
type fakeWorker struct {
	mu      sync.Mutex
	out     *protocol.FrameWriter
	counter int
	cancels map[string]chan struct{}
}

func (f *fakeWorker) cancelChan(jobID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		f.cancels[jobID] = ch
	}
	return ch
}

func (f *fakeWorker) cancel(jobID string) {
	f.mu.Lock()
	ch, ok := f.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		f.cancels[jobID] = ch
	}
	f.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (f *fakeWorker) emit(kind protocol.FrameKind, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.out.WriteFrame(kind, payload)
	_ = f.out.Flush()
}

func (f *fakeWorker) sendResult(jobID string, status protocol.ExecutionStatus, errInfo *protocol.ErrorInfo, outputs []protocol.OutputRecord) {
	now := time.Now().UnixMilli()
	data, err := protocol.EncodeControl(&protocol.Result{
		JobID:   jobID,
		Outputs: outputs,
		Execution: protocol.ExecutionRecord{
			Started: now,
			Ended:   now,
			Status:  status,
			Error:   errInfo,
		},
	})
	if err != nil {
		return
	}
	f.emit(protocol.KindControl, data)
}

func (f *fakeWorker) sendError(jobID, message string) {
	data, err := protocol.EncodeControl(&protocol.ErrorMessage{JobID: jobID, Message: message})
	if err != nil {
		return
	}
	f.emit(protocol.KindControl, data)
}

func (f *fakeWorker) run(m *protocol.RunCell) {
	fields := strings.Fields(m.Code)
	cmd := ""
	if len(fields) > 0 {
		cmd = fields[0]
	}
	switch cmd {
	case "ok":
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "echo":
		f.emit(protocol.KindStdout, []byte(strings.TrimSpace(strings.TrimPrefix(m.Code, "echo"))))
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "lines":
		n, _ := strconv.Atoi(fields[1])
		for i := 0; i < n; i++ {
			f.emit(protocol.KindStdout, []byte(fmt.Sprintf("line %d\n", i)))
		}
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "stderr":
		f.emit(protocol.KindStderr, []byte(strings.TrimSpace(strings.TrimPrefix(m.Code, "stderr"))))
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "display":
		f.emit(protocol.KindDisplay, []byte(strings.TrimSpace(strings.TrimPrefix(m.Code, "display"))))
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "outputs":
		f.sendResult(m.JobID, protocol.StatusOK, nil, []protocol.OutputRecord{
			{Type: protocol.OutputDisplay, Text: "answer", JSON: []byte(`{"value":42}`)},
		})

	case "fail":
		f.sendResult(m.JobID, protocol.StatusError, &protocol.ErrorInfo{
			Name:    "Error",
			Message: strings.TrimSpace(strings.TrimPrefix(m.Code, "fail")),
		}, nil)

	case "sleep":
		ms, _ := strconv.Atoi(fields[1])
		f.emit(protocol.KindStdout, []byte("sleeping"))
		var deadline <-chan time.Time
		if m.TimeoutMs > 0 {
			deadline = time.After(time.Duration(m.TimeoutMs) * time.Millisecond)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			f.sendResult(m.JobID, protocol.StatusOK, nil, nil)
		case <-f.cancelChan(m.JobID):
			f.sendResult(m.JobID, protocol.StatusAborted, &protocol.ErrorInfo{
				Name: "AbortError", Message: "execution aborted",
			}, nil)
		case <-deadline:
			f.sendResult(m.JobID, protocol.StatusAborted, &protocol.ErrorInfo{
				Name: "TimeoutError", Message: "execution timed out",
			}, nil)
		}

	case "hang":
		select {}

	case "silent":
		// Stays alive, never answers this job.

	case "crash":
		os.Exit(3)

	case "flood":
		n, _ := strconv.Atoi(fields[1])
		chunk := []byte(strings.Repeat("x", 1024))
		for i := 0; i < n; i++ {
			f.emit(protocol.KindStdout, chunk)
		}
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "count":
		f.mu.Lock()
		f.counter++
		n := f.counter
		f.mu.Unlock()
		f.emit(protocol.KindStdout, []byte(strconv.Itoa(n)))
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "pid":
		f.emit(protocol.KindStdout, []byte(strconv.Itoa(os.Getpid())))
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	case "jobid":
		f.emit(protocol.KindStdout, []byte(m.JobID))
		f.sendResult(m.JobID, protocol.StatusOK, nil, nil)

	default:
		f.sendError(m.JobID, fmt.Sprintf("unknown command %q", cmd))
	}
}

func (f *fakeWorker) invoke(m *protocol.InvokeHandler) {
	if m.HandlerID == "missing" {
		f.sendError(m.JobID, "handler not found: "+m.HandlerID)
		return
	}
	f.emit(protocol.KindStdout, []byte("handler "+m.HandlerID+" "+m.Event))
	f.sendResult(m.JobID, protocol.StatusOK, nil, nil)
}
