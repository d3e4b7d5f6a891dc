// Package protocol defines the wire envelope exchanged between clients,
// brokers, and the load balancer, plus the framing that carries it over TCP.
//
// Every message is a msgpack-encoded Message. Enumerations travel as small
// integers and decoders reject values they do not know. The body field is an
// opaque msgpack-encoded payload; the operation determines its shape (see
// the typed body structs below).
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrInvalidMessageStructure is returned when a frame does not decode into a
// well-formed Message.
var ErrInvalidMessageStructure = errors.New("protocol: invalid message structure")

// MessageType distinguishes requests from responses.
type MessageType uint8

const (
	TypeRequest  MessageType = 0x1
	TypeResponse MessageType = 0x2
)

func (t MessageType) valid() bool {
	return t == TypeRequest || t == TypeResponse
}

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Operation identifies the requested action.
type Operation uint8

const (
	OpNoOp           Operation = 0x0
	OpQueueCreate    Operation = 0x1
	OpQueuePush      Operation = 0x2
	OpQueuePop       Operation = 0x3
	OpBrokerInfo     Operation = 0x4
	OpRegisterClient Operation = 0x5
)

func (o Operation) valid() bool {
	return o <= OpRegisterClient
}

func (o Operation) String() string {
	switch o {
	case OpNoOp:
		return "NO_OP"
	case OpQueueCreate:
		return "QUEUE_CREATE"
	case OpQueuePush:
		return "QUEUE_PUSH"
	case OpQueuePop:
		return "QUEUE_POP"
	case OpBrokerInfo:
		return "BROKER_INFO"
	case OpRegisterClient:
		return "REGISTER_CLIENT"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// Status reports the outcome carried by a response.
type Status uint8

const (
	StatusSuccess Status = 0x1
	StatusError   Status = 0x2
)

func (s Status) valid() bool {
	return s == StatusSuccess || s == StatusError
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Message is the wire envelope. Sender and receiver ids are optional;
// the empty string means unset.
type Message struct {
	SenderAddr   string      `msgpack:"sender_addr"`
	ReceiverAddr string      `msgpack:"receiver_addr"`
	SenderID     string      `msgpack:"sender_id"`
	ReceiverID   string      `msgpack:"receiver_id"`
	Type         MessageType `msgpack:"message_type"`
	Operation    Operation   `msgpack:"operation"`
	Status       Status      `msgpack:"status"`
	Body         []byte      `msgpack:"body"`
	Timestamp    float64     `msgpack:"timestamp"`
	ID           string      `msgpack:"_id"`
}

// IsOK reports whether the message carries a SUCCESS status.
func (m *Message) IsOK() bool {
	return m.Status == StatusSuccess
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(sender=%s, receiver=%s, type=%s, operation=%s, status=%s)",
		m.SenderAddr, m.ReceiverAddr, m.Type, m.Operation, m.Status)
}

func (m *Message) validate() error {
	if !m.Type.valid() {
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidMessageStructure, m.Type)
	}
	if !m.Operation.valid() {
		return fmt.Errorf("%w: unknown operation %d", ErrInvalidMessageStructure, m.Operation)
	}
	if !m.Status.valid() {
		return fmt.Errorf("%w: unknown status %d", ErrInvalidMessageStructure, m.Status)
	}
	return nil
}

// Encode serializes the message.
func Encode(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessageStructure, err)
	}
	return data, nil
}

// Decode deserializes a message and rejects unknown enumeration values.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessageStructure, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewRequest builds a request envelope with a fresh id and timestamp.
func NewRequest(op Operation, senderAddr, receiverAddr string) *Message {
	return &Message{
		SenderAddr:   senderAddr,
		ReceiverAddr: receiverAddr,
		Type:         TypeRequest,
		Operation:    op,
		Status:       StatusSuccess,
		Timestamp:    now(),
		ID:           newID(),
	}
}

// NewResponse builds a response to req, echoing its operation and addressed
// back to the request's sender.
func NewResponse(req *Message, senderAddr string, status Status, body []byte) *Message {
	return &Message{
		SenderAddr:   senderAddr,
		ReceiverAddr: req.SenderAddr,
		ReceiverID:   req.SenderID,
		Type:         TypeResponse,
		Operation:    req.Operation,
		Status:       status,
		Body:         body,
		Timestamp:    now(),
		ID:           newID(),
	}
}

// NewErrorResponse builds an ERROR response to req with a text body.
func NewErrorResponse(req *Message, senderAddr, reason string) *Message {
	return NewResponse(req, senderAddr, StatusError, Text(reason))
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func newID() string {
	return uuid.New().String()
}
