// Package broker implements the TCP request/response server that fronts one
// queue engine. It answers BROKER_INFO probes, creates queues, and serves
// push/pop traffic for the clients the load balancer assigns to it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/logging"
	"github.com/oriys/fanq/internal/metrics"
	"github.com/oriys/fanq/internal/protocol"
	"github.com/oriys/fanq/internal/queue"
)

// Options configures a Broker beyond its address and engine.
type Options struct {
	Framing        protocol.Framing
	MaxMessageSize int
	Metrics        *metrics.Metrics
}

// Broker binds to one endpoint and serves the queue protocol. A connection
// may carry a single request or a stream of back-to-back requests; one
// goroutine per connection keeps a slow client from blocking the rest.
type Broker struct {
	addr    address.Address
	id      string
	engine  *queue.Engine
	framing protocol.Framing
	maxSize int
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	done     chan struct{}
}

// New creates a broker with a fresh stable id.
func New(addr address.Address, engine *queue.Engine, opts Options) *Broker {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if opts.Framing == "" {
		opts.Framing = protocol.FramingLengthPrefix
	}
	return &Broker{
		addr:    addr,
		id:      uuid.New().String(),
		engine:  engine,
		framing: opts.Framing,
		maxSize: opts.MaxMessageSize,
		metrics: opts.Metrics,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the broker's stable identifier.
func (b *Broker) ID() string {
	return b.id
}

// Addr returns the broker's bind address.
func (b *Broker) Addr() address.Address {
	return b.addr
}

// ListenAddr returns the bound listener address, or nil before
// ListenAndServe. Useful when binding to port 0.
func (b *Broker) ListenAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// ListenAndServe binds the broker and serves until ctx is cancelled or
// Close is called. It returns after the listener is bound; serving
// continues in the background.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", b.addr.String())
	if err != nil {
		return fmt.Errorf("broker listen %s: %w", b.addr, err)
	}

	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	logging.Op().Info("broker started", "id", b.id, "addr", b.addr.String())

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-b.done:
					return
				default:
					continue
				}
			}

			b.mu.Lock()
			b.conns[conn] = struct{}{}
			b.mu.Unlock()

			go b.handleConnection(conn)
		}
	}()

	return nil
}

// Close shuts down the listener and every open connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}

	if b.listener != nil {
		b.listener.Close()
	}
	for conn := range b.conns {
		conn.Close()
	}
	b.conns = nil
	return nil
}

func (b *Broker) removeConn(conn net.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// handleConnection serves a stream of frames until the peer hangs up.
// Errors stay local to the connection; the accept loop is never affected.
func (b *Broker) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer b.removeConn(conn)

	fr := protocol.NewFrameReader(conn, b.framing, b.maxSize)
	fw := protocol.NewFrameWriter(conn, b.framing, b.maxSize)

	for {
		select {
		case <-b.done:
			return
		default:
		}

		msg, err := fr.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, protocol.ErrInvalidMessageStructure) || errors.Is(err, protocol.ErrFrameTooLarge) {
				// Best effort: the peer may not even speak the protocol.
				bad := &protocol.Message{SenderAddr: conn.RemoteAddr().String()}
				fw.WriteMessage(protocol.NewErrorResponse(bad, b.addr.String(), "invalid message structure"))
			}
			logging.Op().Warn("broker read failed", "peer", conn.RemoteAddr().String(), "error", err)
			return
		}

		if msg.Type != protocol.TypeRequest {
			continue
		}

		res := b.handleRequest(msg)
		b.record(msg.Operation, res.Status)

		if err := fw.WriteMessage(res); err != nil {
			logging.Op().Warn("broker write failed", "peer", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

// handleRequest dispatches one request against the engine and builds the
// response. Engine failures become ERROR responses, never handler crashes.
func (b *Broker) handleRequest(msg *protocol.Message) *protocol.Message {
	if msg.ReceiverID != "" && msg.ReceiverID != b.id {
		return protocol.NewErrorResponse(msg, b.addr.String(),
			fmt.Sprintf("message addressed to broker %s, this is %s", msg.ReceiverID, b.id))
	}

	if msg.Operation != protocol.OpBrokerInfo {
		logging.Op().Debug("broker request", "operation", msg.Operation.String(), "sender", msg.SenderAddr)
	}

	switch msg.Operation {
	case protocol.OpBrokerInfo:
		return protocol.NewResponse(msg, b.addr.String(), protocol.StatusSuccess, protocol.Text(b.id))

	case protocol.OpQueueCreate:
		name, err := protocol.TextOf(msg.Body)
		if err != nil || name == "" {
			return protocol.NewErrorResponse(msg, b.addr.String(), "queue create requires a queue name")
		}

		info, err := b.engine.CreateQueue(name, msg.SenderID)
		if err != nil {
			return protocol.NewErrorResponse(msg, b.addr.String(), err.Error())
		}

		body, err := protocol.EncodeBody(protocol.QueueInfo{ID: info.ID, Name: info.Name})
		if err != nil {
			return protocol.NewErrorResponse(msg, b.addr.String(), err.Error())
		}
		return protocol.NewResponse(msg, b.addr.String(), protocol.StatusSuccess, body)

	case protocol.OpQueuePush:
		var req protocol.PushRequest
		if err := protocol.DecodeBody(msg.Body, &req); err != nil {
			return protocol.NewErrorResponse(msg, b.addr.String(), "queue push requires a queue name and a message")
		}

		if err := b.engine.Push(req.QueueName, msg.SenderID, req.Payload); err != nil {
			return protocol.NewErrorResponse(msg, b.addr.String(), err.Error())
		}
		return protocol.NewResponse(msg, b.addr.String(), protocol.StatusSuccess, protocol.Text("OK"))

	case protocol.OpQueuePop:
		name, err := protocol.TextOf(msg.Body)
		if err != nil || name == "" {
			return protocol.NewErrorResponse(msg, b.addr.String(), "queue pop requires a queue name")
		}

		payload, err := b.engine.Pop(name, msg.SenderID)
		if err != nil {
			return protocol.NewErrorResponse(msg, b.addr.String(), err.Error())
		}
		return protocol.NewResponse(msg, b.addr.String(), protocol.StatusSuccess, protocol.Bytes(payload))

	case protocol.OpNoOp:
		return protocol.NewResponse(msg, b.addr.String(), protocol.StatusSuccess, nil)

	default:
		return protocol.NewErrorResponse(msg, b.addr.String(),
			fmt.Sprintf("operation %s is not served by brokers", msg.Operation))
	}
}

func (b *Broker) record(op protocol.Operation, status protocol.Status) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordRequest(op.String(), status.String())
}
