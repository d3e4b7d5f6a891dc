package balancer

import (
	"context"
	"net"
	"time"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/logging"
	"github.com/oriys/fanq/internal/metrics"
	"github.com/oriys/fanq/internal/protocol"
)

const (
	// DefaultProbeInterval is the pause between liveness probes per broker.
	DefaultProbeInterval = 5 * time.Second

	// DefaultProbeTimeout bounds the connection attempt of one probe.
	DefaultProbeTimeout = 1 * time.Second
)

// Prober runs one periodic BROKER_INFO probe loop per directory entry,
// flipping liveness and learning broker ids.
type Prober struct {
	dir        *Directory
	senderAddr string
	framing    protocol.Framing
	maxSize    int
	interval   time.Duration
	timeout    time.Duration
	metrics    *metrics.Metrics
}

// NewProber builds a prober for every broker currently in dir. senderAddr
// is the balancer's own endpoint, stamped on probe requests.
func NewProber(dir *Directory, senderAddr string, framing protocol.Framing, maxSize int, m *metrics.Metrics) *Prober {
	return &Prober{
		dir:        dir,
		senderAddr: senderAddr,
		framing:    framing,
		maxSize:    maxSize,
		interval:   DefaultProbeInterval,
		timeout:    DefaultProbeTimeout,
		metrics:    m,
	}
}

// Start launches the probe loops. They stop when ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	for _, addr := range p.dir.Addrs() {
		go p.probeLoop(ctx, addr)
	}
}

func (p *Prober) probeLoop(ctx context.Context, addr address.Address) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(addr)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(addr)
		}
	}
}

// probe opens a short-lived connection, asks for BROKER_INFO, and updates
// the directory from the reply.
func (p *Prober) probe(addr address.Address) {
	conn, err := net.DialTimeout("tcp", addr.String(), p.timeout)
	if err != nil {
		p.fail(addr, err)
		return
	}
	defer conn.Close()

	fw := protocol.NewFrameWriter(conn, p.framing, p.maxSize)
	fr := protocol.NewFrameReader(conn, p.framing, p.maxSize)

	req := protocol.NewRequest(protocol.OpBrokerInfo, p.senderAddr, addr.String())
	if err := fw.WriteMessage(req); err != nil {
		p.fail(addr, err)
		return
	}

	res, err := fr.ReadMessage()
	if err != nil {
		p.fail(addr, err)
		return
	}

	id, err := protocol.TextOf(res.Body)
	if err != nil || !res.IsOK() || id == "" {
		p.fail(addr, protocol.ErrInvalidMessageStructure)
		return
	}

	p.dir.MarkAlive(addr, id)
}

func (p *Prober) fail(addr address.Address, err error) {
	logging.Op().Warn("broker probe failed", "broker", addr.String(), "error", err)
	p.dir.MarkDead(addr)
	if p.metrics != nil {
		p.metrics.RecordProbeFailure(addr.String())
	}
}
