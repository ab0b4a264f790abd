package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxControlLine bounds one newline-delimited control message on the
// worker's stdin.
const MaxControlLine = 16 << 20

// MessageType discriminates control messages in both directions.
type MessageType string

const (
	// TypeRunCell asks the worker to execute one notebook cell.
	TypeRunCell MessageType = "runCell"
	// TypeInvokeHandler asks the worker to call a previously registered
	// handler function inside an existing notebook context.
	TypeInvokeHandler MessageType = "invokeHandler"
	// TypeCancel asks the worker to abort the named job cooperatively.
	TypeCancel MessageType = "cancel"
	// TypeResult carries a completed job's outputs and execution record.
	TypeResult MessageType = "result"
	// TypeError reports a job the worker could not execute at all.
	TypeError MessageType = "error"
)

// ExecutionStatus records how a job finished.
type ExecutionStatus string

const (
	StatusOK      ExecutionStatus = "ok"
	StatusError   ExecutionStatus = "error"
	StatusAborted ExecutionStatus = "aborted"
)

// OutputType tags one entry in a result's output list.
type OutputType string

const (
	OutputDisplay OutputType = "display"
	OutputError   OutputType = "error"
)

// ErrorInfo describes a JavaScript error in a serializable form.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ExecutionRecord summarizes one job's run. Timestamps are epoch
// milliseconds taken on the worker.
type ExecutionRecord struct {
	Started int64           `json:"started"`
	Ended   int64           `json:"ended"`
	Status  ExecutionStatus `json:"status"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// OutputRecord is one structured output a job produced: either a display
// value (the cell's final expression or an explicit display call) or an
// error surfaced as output.
type OutputRecord struct {
	Type  OutputType      `json:"type"`
	Text  string          `json:"text,omitempty"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// CellInfo identifies the cell a job executes.
type CellInfo struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Language string `json:"language,omitempty"`
}

// RuntimeInfo names the runtime an environment expects.
type RuntimeInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// EnvSpec declares the environment a notebook's cells run under. The worker
// records it in the notebook's sandbox; package installation happens outside
// the execution path.
type EnvSpec struct {
	Runtime   RuntimeInfo       `json:"runtime"`
	Packages  []string          `json:"packages,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// RunCell is the orchestrator-to-worker request to execute one cell.
type RunCell struct {
	Type       MessageType    `json:"type"`
	JobID      string         `json:"jobId"`
	NotebookID string         `json:"notebookId"`
	Cell       CellInfo       `json:"cell"`
	Code       string         `json:"code"`
	Env        *EnvSpec       `json:"env,omitempty"`
	Globals    map[string]any `json:"globals,omitempty"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
}

// InvokeHandler is the orchestrator-to-worker request to call a handler
// registered by an earlier cell run in the same notebook context.
type InvokeHandler struct {
	Type        MessageType     `json:"type"`
	JobID       string          `json:"jobId"`
	NotebookID  string          `json:"notebookId"`
	HandlerID   string          `json:"handlerId"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ComponentID string          `json:"componentId,omitempty"`
	CellID      string          `json:"cellId,omitempty"`
	Env         *EnvSpec        `json:"env,omitempty"`
	Globals     map[string]any  `json:"globals,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`
}

// Cancel asks the worker to abort one in-flight job.
type Cancel struct {
	Type  MessageType `json:"type"`
	JobID string      `json:"jobId"`
}

// Result is the worker-to-orchestrator completion message, carried in a
// control frame after all of the job's output frames.
type Result struct {
	Type      MessageType     `json:"type"`
	JobID     string          `json:"jobId"`
	Outputs   []OutputRecord  `json:"outputs"`
	Execution ExecutionRecord `json:"execution"`
}

// ErrorMessage reports a request the worker had to reject outright, for
// example an unknown handler or an unparseable cell payload.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	JobID   string      `json:"jobId"`
	Message string      `json:"message"`
}

// ControlMessage is implemented by every decoded control message.
type ControlMessage interface {
	// MsgType returns the wire discriminator.
	MsgType() MessageType
	// Validate checks the message's required fields.
	Validate() error
}

func (m *RunCell) MsgType() MessageType       { return TypeRunCell }
func (m *InvokeHandler) MsgType() MessageType { return TypeInvokeHandler }
func (m *Cancel) MsgType() MessageType        { return TypeCancel }
func (m *Result) MsgType() MessageType        { return TypeResult }
func (m *ErrorMessage) MsgType() MessageType  { return TypeError }

// Validate checks the fields a worker needs before it can run the cell.
func (m *RunCell) Validate() error {
	if m.JobID == "" {
		return errors.New("runCell: missing jobId")
	}
	if m.NotebookID == "" {
		return errors.New("runCell: missing notebookId")
	}
	return nil
}

// Validate checks the fields a worker needs before it can invoke a handler.
func (m *InvokeHandler) Validate() error {
	if m.JobID == "" {
		return errors.New("invokeHandler: missing jobId")
	}
	if m.NotebookID == "" {
		return errors.New("invokeHandler: missing notebookId")
	}
	if m.HandlerID == "" {
		return errors.New("invokeHandler: missing handlerId")
	}
	return nil
}

// Validate checks that the cancel names a job.
func (m *Cancel) Validate() error {
	if m.JobID == "" {
		return errors.New("cancel: missing jobId")
	}
	return nil
}

// Validate checks the result's identity and status.
func (m *Result) Validate() error {
	if m.JobID == "" {
		return errors.New("result: missing jobId")
	}
	switch m.Execution.Status {
	case StatusOK, StatusError, StatusAborted:
		return nil
	default:
		return fmt.Errorf("result: invalid status %q", m.Execution.Status)
	}
}

// Validate checks the error report's identity.
func (m *ErrorMessage) Validate() error {
	if m.JobID == "" {
		return errors.New("error: missing jobId")
	}
	return nil
}

// typeEnvelope sniffs the discriminator before the full decode.
type typeEnvelope struct {
	Type MessageType `json:"type"`
}

// DecodeControl parses and validates one control message. Messages that do
// not parse, carry an unknown type, or fail validation return an error; the
// receiving side drops such messages without acting on them.
func DecodeControl(data []byte) (ControlMessage, error) {
	var env typeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("control message is not valid JSON: %w", err)
	}
	var msg ControlMessage
	switch env.Type {
	case TypeRunCell:
		msg = &RunCell{}
	case TypeInvokeHandler:
		msg = &InvokeHandler{}
	case TypeCancel:
		msg = &Cancel{}
	case TypeResult:
		msg = &Result{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown control message type %q", env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeControl serializes one control message, filling in its type
// discriminator from the concrete type.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	switch m := msg.(type) {
	case *RunCell:
		m.Type = TypeRunCell
	case *InvokeHandler:
		m.Type = TypeInvokeHandler
	case *Cancel:
		m.Type = TypeCancel
	case *Result:
		m.Type = TypeResult
	case *ErrorMessage:
		m.Type = TypeError
	default:
		return nil, fmt.Errorf("unsupported control message %T", msg)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ControlWriter sends newline-delimited control messages. It serializes
// concurrent senders, so job submission and cancellation can write to the
// same worker stdin from different goroutines.
type ControlWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewControlWriter wraps w.
func NewControlWriter(w io.Writer) *ControlWriter {
	return &ControlWriter{w: w}
}

// Send encodes msg and writes it as one line.
func (cw *ControlWriter) Send(msg ControlMessage) error {
	data, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if _, err := cw.w.Write(data); err != nil {
		return err
	}
	_, err = cw.w.Write([]byte{'\n'})
	return err
}

// ControlScanner reads newline-delimited control messages, silently
// skipping lines that fail to decode or validate. Dropped counts the
// skipped lines for diagnostics.
type ControlScanner struct {
	s       *bufio.Scanner
	dropped int
}

// NewControlScanner wraps r.
func NewControlScanner(r io.Reader) *ControlScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), MaxControlLine)
	return &ControlScanner{s: s}
}

// Next returns the next valid control message, io.EOF at end of stream, or
// the scanner's read error.
func (cs *ControlScanner) Next() (ControlMessage, error) {
	for cs.s.Scan() {
		line := cs.s.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeControl(line)
		if err != nil {
			cs.dropped++
			continue
		}
		return msg, nil
	}
	if err := cs.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Dropped returns how many invalid lines the scanner has skipped.
func (cs *ControlScanner) Dropped() int {
	return cs.dropped
}
