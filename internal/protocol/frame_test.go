package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// oneByteReader delivers a single byte per Read, simulating worst-case TCP
// chunking.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func testMessage(body []byte) *Message {
	return &Message{
		SenderAddr:   "127.0.0.1:40001",
		ReceiverAddr: "127.0.0.1:9091",
		Type:         TypeRequest,
		Operation:    OpQueuePush,
		Status:       StatusSuccess,
		Body:         body,
		Timestamp:    1712345678,
		ID:           "frame-test",
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, mode := range []Framing{FramingLengthPrefix, FramingSentinel} {
		t.Run(string(mode), func(t *testing.T) {
			var buf bytes.Buffer
			fw := NewFrameWriter(&buf, mode, 0)

			want := testMessage(Text("payload"))
			if err := fw.WriteMessage(want); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}

			fr := NewFrameReader(&buf, mode, 0)
			got, err := fr.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}
			if got.ID != want.ID || got.Operation != want.Operation {
				t.Errorf("frame mismatch: got %+v", got)
			}
		})
	}
}

func TestFrameSurvivesChunking(t *testing.T) {
	for _, mode := range []Framing{FramingLengthPrefix, FramingSentinel} {
		t.Run(string(mode), func(t *testing.T) {
			var buf bytes.Buffer
			fw := NewFrameWriter(&buf, mode, 0)
			if err := fw.WriteMessage(testMessage(Text("chunked"))); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}

			fr := NewFrameReader(oneByteReader{&buf}, mode, 0)
			got, err := fr.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage over 1-byte chunks failed: %v", err)
			}
			if text, _ := TextOf(got.Body); text != "chunked" {
				t.Errorf("body mismatch: %q", text)
			}
		})
	}
}

func TestFrameBackToBack(t *testing.T) {
	for _, mode := range []Framing{FramingLengthPrefix, FramingSentinel} {
		t.Run(string(mode), func(t *testing.T) {
			var buf bytes.Buffer
			fw := NewFrameWriter(&buf, mode, 0)

			for i := 0; i < 3; i++ {
				m := testMessage(Text("multi"))
				m.ID = string(rune('a' + i))
				if err := fw.WriteMessage(m); err != nil {
					t.Fatalf("WriteMessage %d failed: %v", i, err)
				}
			}

			fr := NewFrameReader(&buf, mode, 0)
			for i := 0; i < 3; i++ {
				got, err := fr.ReadMessage()
				if err != nil {
					t.Fatalf("ReadMessage %d failed: %v", i, err)
				}
				if got.ID != string(rune('a'+i)) {
					t.Errorf("frame %d out of order: id %q", i, got.ID)
				}
			}
			if _, err := fr.ReadMessage(); err != io.EOF {
				t.Errorf("expected EOF after last frame, got %v", err)
			}
		})
	}
}

func TestFrameTooLargeOnWrite(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, FramingLengthPrefix, 64)

	big := testMessage(Bytes(bytes.Repeat([]byte{0x42}, 256)))
	if err := fw.WriteMessage(big); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("WriteMessage error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameTooLargeOnRead(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, FramingLengthPrefix, 0)
	if err := fw.WriteMessage(testMessage(Bytes(bytes.Repeat([]byte{0x42}, 512)))); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	fr := NewFrameReader(&buf, FramingLengthPrefix, 64)
	if _, err := fr.ReadMessage(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadMessage error = %v, want ErrFrameTooLarge", err)
	}
}

func TestSentinelFrameTooLargeOnRead(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, FramingSentinel, 0)
	if err := fw.WriteMessage(testMessage(Text("oversized sentinel frame payload that keeps going and going"))); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	fr := NewFrameReader(&buf, FramingSentinel, 16)
	if _, err := fr.ReadMessage(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadMessage error = %v, want ErrFrameTooLarge", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, FramingLengthPrefix, 0)
	if err := fw.WriteMessage(testMessage(Text("cut short"))); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	full := buf.Bytes()
	fr := NewFrameReader(bytes.NewReader(full[:len(full)-3]), FramingLengthPrefix, 0)
	if _, err := fr.ReadMessage(); !errors.Is(err, ErrInvalidMessageStructure) {
		t.Errorf("ReadMessage error = %v, want ErrInvalidMessageStructure", err)
	}
}
