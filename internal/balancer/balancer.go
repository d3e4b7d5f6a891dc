package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/logging"
	"github.com/oriys/fanq/internal/metrics"
	"github.com/oriys/fanq/internal/protocol"
)

// Options configures a LoadBalancer beyond its address and broker set.
type Options struct {
	Framing        protocol.Framing
	MaxMessageSize int
	Metrics        *metrics.Metrics
	ProbeInterval  int // seconds; 0 keeps the default
}

// LoadBalancer answers broker-info requests by naming the least-loaded live
// broker. It owns the probed directory.
type LoadBalancer struct {
	addr    address.Address
	dir     *Directory
	prober  *Prober
	framing protocol.Framing
	maxSize int

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	done     chan struct{}
}

// New builds a load balancer over the configured broker endpoints.
func New(addr address.Address, brokers []address.Address, opts Options) *LoadBalancer {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if opts.Framing == "" {
		opts.Framing = protocol.FramingLengthPrefix
	}

	dir := NewDirectory(brokers, opts.Metrics)
	prober := NewProber(dir, addr.String(), opts.Framing, opts.MaxMessageSize, opts.Metrics)
	if opts.ProbeInterval > 0 {
		prober.interval = time.Duration(opts.ProbeInterval) * time.Second
	}
	lb := &LoadBalancer{
		addr:    addr,
		dir:     dir,
		prober:  prober,
		framing: opts.Framing,
		maxSize: opts.MaxMessageSize,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	return lb
}

// Directory exposes the broker directory, primarily for tests.
func (lb *LoadBalancer) Directory() *Directory {
	return lb.dir
}

// Addr returns the balancer's bind address.
func (lb *LoadBalancer) Addr() address.Address {
	return lb.addr
}

// ListenAddr returns the bound listener address, or nil before
// ListenAndServe. Useful when binding to port 0.
func (lb *LoadBalancer) ListenAddr() net.Addr {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.listener == nil {
		return nil
	}
	return lb.listener.Addr()
}

// ListenAndServe binds the balancer, starts the probe loops, and serves
// until ctx is cancelled or Close is called. It returns after the listener
// is bound; serving continues in the background.
func (lb *LoadBalancer) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", lb.addr.String())
	if err != nil {
		return fmt.Errorf("balancer listen %s: %w", lb.addr, err)
	}

	lb.mu.Lock()
	lb.listener = listener
	lb.mu.Unlock()

	logging.Op().Info("load balancer started", "addr", lb.addr.String(), "brokers", len(lb.dir.Addrs()))

	lb.prober.Start(ctx)

	go func() {
		<-ctx.Done()
		lb.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-lb.done:
					return
				default:
					continue
				}
			}

			lb.mu.Lock()
			lb.conns[conn] = struct{}{}
			lb.mu.Unlock()

			go lb.handleConnection(conn)
		}
	}()

	return nil
}

// Close shuts down the listener and every open connection.
func (lb *LoadBalancer) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	select {
	case <-lb.done:
		return nil
	default:
		close(lb.done)
	}

	if lb.listener != nil {
		lb.listener.Close()
	}
	for conn := range lb.conns {
		conn.Close()
	}
	lb.conns = nil
	return nil
}

func (lb *LoadBalancer) removeConn(conn net.Conn) {
	lb.mu.Lock()
	delete(lb.conns, conn)
	lb.mu.Unlock()
}

func (lb *LoadBalancer) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer lb.removeConn(conn)

	fr := protocol.NewFrameReader(conn, lb.framing, lb.maxSize)
	fw := protocol.NewFrameWriter(conn, lb.framing, lb.maxSize)

	for {
		select {
		case <-lb.done:
			return
		default:
		}

		msg, err := fr.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, protocol.ErrInvalidMessageStructure) || errors.Is(err, protocol.ErrFrameTooLarge) {
				bad := &protocol.Message{SenderAddr: conn.RemoteAddr().String()}
				fw.WriteMessage(protocol.NewErrorResponse(bad, lb.addr.String(), "invalid message structure"))
			}
			logging.Op().Warn("balancer read failed", "peer", conn.RemoteAddr().String(), "error", err)
			return
		}

		if msg.Type != protocol.TypeRequest {
			continue
		}

		res := lb.handleRequest(msg)
		if err := fw.WriteMessage(res); err != nil {
			logging.Op().Warn("balancer write failed", "peer", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

func (lb *LoadBalancer) handleRequest(msg *protocol.Message) *protocol.Message {
	switch msg.Operation {
	case protocol.OpBrokerInfo, protocol.OpRegisterClient:
		assignment, err := lb.dir.Select()
		if err != nil {
			logging.Op().Error("no broker available for client", "client", msg.SenderAddr)
			return protocol.NewErrorResponse(msg, lb.addr.String(), err.Error())
		}

		logging.Op().Info("client assigned to broker",
			"client", msg.SenderAddr, "broker", assignment.Addr.String(), "broker_id", assignment.ID)

		body, err := protocol.EncodeBody(protocol.BrokerAssignment{
			ID:      assignment.ID,
			Address: assignment.Addr.String(),
		})
		if err != nil {
			return protocol.NewErrorResponse(msg, lb.addr.String(), err.Error())
		}
		return protocol.NewResponse(msg, lb.addr.String(), protocol.StatusSuccess, body)

	default:
		return protocol.NewErrorResponse(msg, lb.addr.String(),
			fmt.Sprintf("operation %s is not served by the load balancer", msg.Operation))
	}
}
