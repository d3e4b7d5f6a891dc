package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// QueueInfo is the QUEUE_CREATE response body.
type QueueInfo struct {
	ID   string `msgpack:"id"`
	Name string `msgpack:"name"`
}

// PushRequest is the QUEUE_PUSH request body. Payload is an opaque value
// interpreted by the application above the queue.
type PushRequest struct {
	QueueName string `msgpack:"queue_name"`
	Payload   []byte `msgpack:"message"`
}

// BrokerAssignment is the body of a load-balancer REGISTER_CLIENT response.
type BrokerAssignment struct {
	ID      string `msgpack:"id"`
	Address string `msgpack:"address"`
}

// EncodeBody serializes an operation-specific payload.
func EncodeBody(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}

// DecodeBody deserializes an operation-specific payload into v.
func DecodeBody(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: bad body: %v", ErrInvalidMessageStructure, err)
	}
	return nil
}

// Text encodes a string body. Marshalling a plain string cannot fail.
func Text(s string) []byte {
	data, _ := msgpack.Marshal(s)
	return data
}

// TextOf decodes a string body.
func TextOf(data []byte) (string, error) {
	var s string
	if err := DecodeBody(data, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Bytes encodes a raw byte payload.
func Bytes(b []byte) []byte {
	data, _ := msgpack.Marshal(b)
	return data
}

// BytesOf decodes a raw byte payload.
func BytesOf(data []byte) ([]byte, error) {
	var b []byte
	if err := DecodeBody(data, &b); err != nil {
		return nil, err
	}
	return b, nil
}
