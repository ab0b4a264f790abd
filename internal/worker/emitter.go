package worker

import (
	"io"
	"sync"
	"time"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/protocol"
)

// Emitter encodes output frames onto the worker's stdout stream. Small
// stdout/stderr writes are coalesced for a batching interval to keep IPC
// chatter down; display and control frames are written immediately. Control
// frames always follow every output frame buffered before them, which is
// what makes a job's result arrive after its output.
type Emitter struct {
	mu       sync.Mutex
	fw       *protocol.FrameWriter
	interval time.Duration
	maxBatch int

	pendingKind protocol.FrameKind
	pending     []byte
	timer       *time.Timer
	err         error
}

// NewEmitter wraps w. A zero interval disables batching and writes every
// frame through immediately.
func NewEmitter(w io.Writer, interval time.Duration) *Emitter {
	return &Emitter{
		fw:       protocol.NewFrameWriter(w),
		interval: interval,
		maxBatch: config.DefaultFlushBytes,
	}
}

// WriteText buffers one stdout or stderr chunk.
func (e *Emitter) WriteText(kind protocol.FrameKind, text string) {
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}

	if e.interval <= 0 {
		e.writeThrough(kind, []byte(text))
		return
	}
	if len(e.pending) > 0 && e.pendingKind != kind {
		e.flushPending()
	}
	e.pendingKind = kind
	e.pending = append(e.pending, text...)
	if len(e.pending) >= e.maxBatch {
		e.flushPending()
		e.flushWriter()
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(e.interval, e.timedFlush)
	}
}

// EmitDisplay writes one display frame, flushing buffered text first so
// emission order is preserved.
func (e *Emitter) EmitDisplay(payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	e.flushPending()
	e.writeThrough(protocol.KindDisplay, payload)
}

// EmitControl writes one control frame and flushes the stream. Buffered
// output frames are flushed first.
func (e *Emitter) EmitControl(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.flushPending()
	e.writeThrough(protocol.KindControl, payload)
	return e.err
}

// Flush pushes any buffered output downstream.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushPending()
	e.flushWriter()
}

// Err returns the first write error the emitter hit, if any.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Emitter) timedFlush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushPending()
	e.flushWriter()
}

// flushPending writes the coalesced buffer as one frame. Caller holds mu.
func (e *Emitter) flushPending() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if len(e.pending) == 0 || e.err != nil {
		return
	}
	if err := e.fw.WriteFrame(e.pendingKind, e.pending); err != nil {
		e.err = err
	}
	e.pending = e.pending[:0]
}

// writeThrough writes one frame and flushes. Caller holds mu.
func (e *Emitter) writeThrough(kind protocol.FrameKind, payload []byte) {
	if e.err != nil {
		return
	}
	if err := e.fw.WriteFrame(kind, payload); err != nil {
		e.err = err
		return
	}
	e.flushWriter()
}

func (e *Emitter) flushWriter() {
	if e.err != nil {
		return
	}
	if err := e.fw.Flush(); err != nil {
		e.err = err
	}
}
