// Package protocol defines the wire formats spoken between the orchestrator
// and worker processes: JSON control messages on the worker's stdin and a
// length-prefixed binary frame stream on its stdout.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameKind tags one streamed frame on the worker's output channel.
type FrameKind byte

const (
	// KindStdout carries UTF-8 text captured from the cell's console output.
	KindStdout FrameKind = 0x01
	// KindStderr carries UTF-8 text captured from the cell's error output.
	KindStderr FrameKind = 0x02
	// KindDisplay carries a JSON-serialized structured display object.
	KindDisplay FrameKind = 0x03
	// KindControl carries a JSON control message (result or error). Control
	// frames ride the same ordered stream as output frames, so a job's result
	// always arrives after every frame that job emitted.
	KindControl FrameKind = 0x04
)

// MaxFramePayload bounds a single frame's payload. Lengths beyond this are
// treated as stream corruption rather than allocated.
const MaxFramePayload = 16 << 20

// ErrMalformedFrame is returned by the frame reader when the stream is
// corrupt beyond recovery (bad length prefix or truncated payload).
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is one decoded unit of the worker output stream.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// String returns the frame kind's wire name.
func (k FrameKind) String() string {
	switch k {
	case KindStdout:
		return "stdout"
	case KindStderr:
		return "stderr"
	case KindDisplay:
		return "display"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// known reports whether the kind is one this protocol version understands.
func (k FrameKind) known() bool {
	return k >= KindStdout && k <= KindControl
}

// AppendFrame appends the encoded form of one frame to dst and returns the
// extended slice: [kind:byte][length:uvarint][payload].
func AppendFrame(dst []byte, kind FrameKind, payload []byte) []byte {
	dst = append(dst, byte(kind))
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// EncodeFrame encodes one frame into a fresh buffer.
func EncodeFrame(kind FrameKind, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, 1+binary.MaxVarintLen64+len(payload)), kind, payload)
}

// DecodeFrame attempts to decode a single frame from the head of buf.
// It returns the frame and the number of bytes consumed. An incomplete
// buffer yields (nil, 0) so the caller can accumulate more input; corrupt
// input (varint overflow or an oversized length) yields (nil, -1). The
// returned payload is a copy and does not alias buf. Frames with unknown
// kinds decode normally; skipping them is the reader's policy.
func DecodeFrame(buf []byte) (*Frame, int) {
	if len(buf) < 2 {
		return nil, 0
	}
	kind := FrameKind(buf[0])
	length, n := binary.Uvarint(buf[1:])
	if n == 0 {
		return nil, 0
	}
	if n < 0 || length > MaxFramePayload {
		return nil, -1
	}
	total := 1 + n + int(length)
	if len(buf) < total {
		return nil, 0
	}
	payload := make([]byte, length)
	copy(payload, buf[1+n:total])
	return &Frame{Kind: kind, Payload: payload}, total
}

// FrameWriter encodes frames onto a buffered stream. It is not safe for
// concurrent use; the worker's emitter owns one writer per process.
type FrameWriter struct {
	w       *bufio.Writer
	scratch []byte
}

// NewFrameWriter wraps w in a buffered frame encoder.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// WriteFrame encodes and buffers one frame.
func (fw *FrameWriter) WriteFrame(kind FrameKind, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("protocol: frame payload %d exceeds limit %d", len(payload), MaxFramePayload)
	}
	fw.scratch = AppendFrame(fw.scratch[:0], kind, payload)
	_, err := fw.w.Write(fw.scratch)
	return err
}

// Flush pushes buffered frames to the underlying stream.
func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}

// FrameReader decodes a frame stream incrementally.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r in a buffered frame decoder.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next frame with a known kind. Frames carrying unknown
// kinds are skipped: the format is self-delimiting, so protocol noise from
// a newer or confused worker never desynchronizes the stream. Next returns
// io.EOF at a clean end of stream and ErrMalformedFrame when the stream is
// corrupt beyond recovery.
func (fr *FrameReader) Next() (*Frame, error) {
	for {
		kindByte, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		length, err := binary.ReadUvarint(fr.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if length > MaxFramePayload {
			return nil, fmt.Errorf("%w: payload length %d", ErrMalformedFrame, length)
		}
		kind := FrameKind(kindByte)
		if !kind.known() {
			if _, err := io.CopyN(io.Discard, fr.r, int64(length)); err != nil {
				return nil, fmt.Errorf("%w: truncated unknown frame", ErrMalformedFrame)
			}
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
		}
		return &Frame{Kind: kind, Payload: payload}, nil
	}
}
