package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		SenderAddr:   "127.0.0.1:40001",
		ReceiverAddr: "127.0.0.1:9091",
		SenderID:     "client-1",
		ReceiverID:   "broker-1",
		Type:         TypeRequest,
		Operation:    OpQueuePush,
		Status:       StatusSuccess,
		Body:         Text("hello"),
		Timestamp:    1712345678.25,
		ID:           "msg-1",
	}

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestMessageRoundTripNullableIDs(t *testing.T) {
	m := NewRequest(OpBrokerInfo, "127.0.0.1:40001", "127.0.0.1:9090")

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.SenderID != "" || got.ReceiverID != "" {
		t.Errorf("expected unset ids to stay empty, got %q/%q", got.SenderID, got.ReceiverID)
	}
	if got.ID == "" || got.Timestamp == 0 {
		t.Error("expected generated id and timestamp")
	}
}

func TestDecodeRejectsUnknownEnums(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value int
	}{
		{name: "unknown operation", field: "operation", value: 42},
		{name: "unknown message type", field: "message_type", value: 9},
		{name: "unknown status", field: "status", value: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{
				"sender_addr":   "127.0.0.1:1",
				"receiver_addr": "127.0.0.1:2",
				"message_type":  int(TypeRequest),
				"operation":     int(OpNoOp),
				"status":        int(StatusSuccess),
				"timestamp":     1.0,
				"_id":           "x",
			}
			raw[tt.field] = tt.value

			data, err := msgpack.Marshal(raw)
			if err != nil {
				t.Fatalf("marshal fixture: %v", err)
			}
			if _, err := Decode(data); !errors.Is(err, ErrInvalidMessageStructure) {
				t.Errorf("Decode() error = %v, want ErrInvalidMessageStructure", err)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("\x00\xff definitely not msgpack")); !errors.Is(err, ErrInvalidMessageStructure) {
		t.Errorf("Decode() error = %v, want ErrInvalidMessageStructure", err)
	}
}

func TestResponseAddressing(t *testing.T) {
	req := NewRequest(OpQueueCreate, "127.0.0.1:40001", "127.0.0.1:9091")
	req.SenderID = "client-7"

	res := NewResponse(req, "127.0.0.1:9091", StatusSuccess, Text("ok"))
	if res.Type != TypeResponse {
		t.Errorf("expected RESPONSE type, got %v", res.Type)
	}
	if res.Operation != OpQueueCreate {
		t.Errorf("expected echoed operation, got %v", res.Operation)
	}
	if res.ReceiverAddr != req.SenderAddr || res.ReceiverID != req.SenderID {
		t.Errorf("response not addressed back to sender: %+v", res)
	}

	errRes := NewErrorResponse(req, "127.0.0.1:9091", "boom")
	if errRes.IsOK() {
		t.Error("error response should not be OK")
	}
	text, err := TextOf(errRes.Body)
	if err != nil || text != "boom" {
		t.Errorf("expected error body %q, got %q (%v)", "boom", text, err)
	}
}

func TestTypedBodies(t *testing.T) {
	body, err := EncodeBody(PushRequest{QueueName: "jobs", Payload: []byte("p1")})
	if err != nil {
		t.Fatalf("EncodeBody failed: %v", err)
	}

	var pr PushRequest
	if err := DecodeBody(body, &pr); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if pr.QueueName != "jobs" || string(pr.Payload) != "p1" {
		t.Errorf("push request mismatch: %+v", pr)
	}

	raw, err := BytesOf(Bytes([]byte{0x00, 0x0a, 0x0d}))
	if err != nil {
		t.Fatalf("BytesOf failed: %v", err)
	}
	if string(raw) != "\x00\x0a\x0d" {
		t.Errorf("bytes body mismatch: %v", raw)
	}
}
