// Package client is the library producers and consumers use against a fanq
// deployment. A client registers through the load balancer, keeps a
// long-lived connection to its assigned broker, and retries
// broker-unavailable conditions with fixed-plus-jitter backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/balancer"
	"github.com/oriys/fanq/internal/logging"
	"github.com/oriys/fanq/internal/protocol"
	"github.com/oriys/fanq/internal/queue"
)

const (
	// retryBase and retryJitter shape the backoff applied when no broker is
	// available: base plus uniform [0, jitter).
	retryBase   = 5 * time.Second
	retryJitter = 2 * time.Second

	// brokerDialTimeout bounds connection attempts to an assigned broker.
	brokerDialTimeout = 3 * time.Second
)

// Options tunes a Client. Zero values take the deployment defaults.
type Options struct {
	Framing        protocol.Framing
	MaxMessageSize int

	// RetryBase and RetryJitter override the backoff; tests shrink them.
	RetryBase   time.Duration
	RetryJitter time.Duration
}

// Client talks to one fanq deployment on behalf of one logical producer or
// consumer identity.
type Client struct {
	id      string
	lbAddr  address.Address
	framing protocol.Framing
	maxSize int

	retryBase   time.Duration
	retryJitter time.Duration

	mu         sync.Mutex
	brokerID   string
	brokerAddr address.Address
	conn       net.Conn
	fr         *protocol.FrameReader
	fw         *protocol.FrameWriter
}

// New creates an unregistered client with a fresh identity.
func New(lbAddr address.Address, opts Options) *Client {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if opts.Framing == "" {
		opts.Framing = protocol.FramingLengthPrefix
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = retryBase
	}
	if opts.RetryJitter <= 0 {
		opts.RetryJitter = retryJitter
	}
	return &Client{
		id:          uuid.New().String(),
		lbAddr:      lbAddr,
		framing:     opts.Framing,
		maxSize:     opts.MaxMessageSize,
		retryBase:   opts.RetryBase,
		retryJitter: opts.RetryJitter,
	}
}

// ID returns the client's identity, used as queue owner and cursor key.
func (c *Client) ID() string {
	return c.id
}

// Broker returns the current assignment, or ok=false before registration.
func (c *Client) Broker() (id string, addr address.Address, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brokerID, c.brokerAddr, c.brokerID != ""
}

// Register asks the load balancer for a broker assignment, retrying with
// backoff while no broker is available.
func (c *Client) Register(ctx context.Context) error {
	for {
		err := c.registerOnce()
		if err == nil {
			return nil
		}
		if !errors.Is(err, balancer.ErrNoBrokerAvailable) {
			return err
		}

		delay := c.retryBase + time.Duration(rand.Int63n(int64(c.retryJitter)))
		logging.Op().Warn("no broker available, retrying", "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) registerOnce() error {
	conn, err := net.DialTimeout("tcp", c.lbAddr.String(), brokerDialTimeout)
	if err != nil {
		return fmt.Errorf("dial load balancer: %w", err)
	}
	defer conn.Close()

	fw := protocol.NewFrameWriter(conn, c.framing, c.maxSize)
	fr := protocol.NewFrameReader(conn, c.framing, c.maxSize)

	req := protocol.NewRequest(protocol.OpRegisterClient, conn.LocalAddr().String(), c.lbAddr.String())
	req.SenderID = c.id

	if err := fw.WriteMessage(req); err != nil {
		return err
	}
	res, err := fr.ReadMessage()
	if err != nil {
		return err
	}
	if !res.IsOK() {
		return responseError(res)
	}

	var assignment protocol.BrokerAssignment
	if err := protocol.DecodeBody(res.Body, &assignment); err != nil {
		return err
	}
	addr, err := address.Parse(assignment.Address)
	if err != nil {
		return fmt.Errorf("balancer named unparseable broker: %w", err)
	}

	c.mu.Lock()
	c.brokerID = assignment.ID
	c.brokerAddr = addr
	c.dropConnLocked()
	c.mu.Unlock()

	logging.Op().Info("registered with broker", "broker", addr.String(), "broker_id", assignment.ID)
	return nil
}

// CreateQueue creates (or re-opens) a named queue on the assigned broker.
func (c *Client) CreateQueue(ctx context.Context, name string) (protocol.QueueInfo, error) {
	res, err := c.roundTrip(ctx, protocol.OpQueueCreate, protocol.Text(name))
	if err != nil {
		return protocol.QueueInfo{}, err
	}

	var info protocol.QueueInfo
	if err := protocol.DecodeBody(res.Body, &info); err != nil {
		return protocol.QueueInfo{}, err
	}
	return info, nil
}

// Push appends payload to the named queue.
func (c *Client) Push(ctx context.Context, queueName string, payload []byte) error {
	body, err := protocol.EncodeBody(protocol.PushRequest{QueueName: queueName, Payload: payload})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, protocol.OpQueuePush, body)
	return err
}

// Pop reads the next message at this client's cursor in the named queue.
func (c *Client) Pop(ctx context.Context, queueName string) ([]byte, error) {
	res, err := c.roundTrip(ctx, protocol.OpQueuePop, protocol.Text(queueName))
	if err != nil {
		return nil, err
	}
	return protocol.BytesOf(res.Body)
}

// Close drops the broker connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnLocked()
	return nil
}

// roundTrip sends one request on the long-lived broker connection and waits
// for its response. Transport failures drop the cached connection and
// assignment so the next call re-registers.
func (c *Client) roundTrip(ctx context.Context, op protocol.Operation, body []byte) (*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.brokerID == "" {
		c.mu.Unlock()
		err := c.Register(ctx)
		c.mu.Lock()
		if err != nil {
			return nil, err
		}
	}

	if err := c.ensureConnLocked(); err != nil {
		return nil, err
	}

	req := protocol.NewRequest(op, c.conn.LocalAddr().String(), c.brokerAddr.String())
	req.SenderID = c.id
	req.ReceiverID = c.brokerID
	req.Body = body

	if err := c.fw.WriteMessage(req); err != nil {
		c.dropConnLocked()
		c.brokerID = ""
		return nil, err
	}

	res, err := c.fr.ReadMessage()
	if err != nil {
		c.dropConnLocked()
		c.brokerID = ""
		return nil, err
	}
	if !res.IsOK() {
		return nil, responseError(res)
	}
	return res, nil
}

func (c *Client) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.brokerAddr.String(), brokerDialTimeout)
	if err != nil {
		c.brokerID = ""
		return fmt.Errorf("dial broker %s: %w", c.brokerAddr, err)
	}

	c.conn = conn
	c.fr = protocol.NewFrameReader(conn, c.framing, c.maxSize)
	c.fw = protocol.NewFrameWriter(conn, c.framing, c.maxSize)
	return nil
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.fr = nil
		c.fw = nil
	}
}

// responseError maps an ERROR response body back to the error taxonomy so
// callers can match with errors.Is.
func responseError(res *protocol.Message) error {
	text, err := protocol.TextOf(res.Body)
	if err != nil {
		return fmt.Errorf("server error (%s)", res.Operation)
	}

	for _, sentinel := range []error{
		balancer.ErrNoBrokerAvailable,
		queue.ErrQueueNotFound,
		queue.ErrClientNotRegistered,
		queue.ErrEndOfStream,
	} {
		if strings.Contains(text, sentinel.Error()) {
			return fmt.Errorf("%s: %w", res.Operation, sentinel)
		}
	}
	return fmt.Errorf("server error (%s): %s", res.Operation, text)
}
