package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing selects how message boundaries are marked on the wire. All peers
// of one deployment must use the same mode.
type Framing string

const (
	// FramingLengthPrefix prefixes each frame with a big-endian uint32
	// payload length. Preferred for new deployments.
	FramingLengthPrefix Framing = "length-prefix"

	// FramingSentinel terminates each frame with the legacy 2-byte "\n\r"
	// delimiter. Kept as a compatibility mode.
	FramingSentinel Framing = "sentinel"
)

// DefaultMaxMessageSize bounds a single encoded frame.
const DefaultMaxMessageSize = 4096

var sentinel = []byte{'\n', '\r'}

// ErrFrameTooLarge is returned when a frame exceeds the configured bound.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum message size")

// FrameReader reads framed messages from a stream. It tolerates arbitrary
// TCP chunking and back-to-back frames on one connection.
type FrameReader struct {
	br   *bufio.Reader
	mode Framing
	max  int
}

// NewFrameReader wraps r. A non-positive max falls back to
// DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, mode Framing, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	if mode == "" {
		mode = FramingLengthPrefix
	}
	return &FrameReader{br: bufio.NewReader(r), mode: mode, max: max}
}

// ReadMessage reads and decodes the next frame. It returns io.EOF when the
// stream ends cleanly before a new frame starts.
func (r *FrameReader) ReadMessage() (*Message, error) {
	payload, err := r.readFrame()
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

func (r *FrameReader) readFrame() ([]byte, error) {
	switch r.mode {
	case FramingSentinel:
		return r.readSentinel()
	default:
		return r.readLengthPrefixed()
	}
}

func (r *FrameReader) readLengthPrefixed() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated frame header", ErrInvalidMessageStructure)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessageStructure)
	}
	if int(size) > r.max {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, r.max)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame body", ErrInvalidMessageStructure)
	}
	return payload, nil
}

func (r *FrameReader) readSentinel() ([]byte, error) {
	var data []byte
	for {
		chunk, err := r.br.ReadBytes(sentinel[1])
		data = append(data, chunk...)

		if idx := bytes.Index(data, sentinel); idx >= 0 {
			if idx > r.max {
				return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, idx, r.max)
			}
			return data[:idx], nil
		}
		if len(data) > r.max+len(sentinel) {
			return nil, fmt.Errorf("%w: unterminated frame over %d bytes", ErrFrameTooLarge, r.max)
		}

		if err != nil {
			if err == io.EOF && len(data) == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, fmt.Errorf("%w: stream ended before frame terminator", ErrInvalidMessageStructure)
			}
			return nil, err
		}
	}
}

// FrameWriter writes framed messages to a stream.
type FrameWriter struct {
	w    io.Writer
	mode Framing
	max  int
}

// NewFrameWriter wraps w. A non-positive max falls back to
// DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer, mode Framing, max int) *FrameWriter {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	if mode == "" {
		mode = FramingLengthPrefix
	}
	return &FrameWriter{w: w, mode: mode, max: max}
}

// WriteMessage encodes m and writes it as a single frame.
func (w *FrameWriter) WriteMessage(m *Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > w.max {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), w.max)
	}

	var frame []byte
	switch w.mode {
	case FramingSentinel:
		frame = append(payload, sentinel...)
	default:
		frame = make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
		copy(frame[4:], payload)
	}

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
