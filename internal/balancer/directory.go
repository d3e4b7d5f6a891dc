// Package balancer implements the front-door load balancer: a probed broker
// directory and a TCP server that assigns each new client to the
// least-loaded live broker.
package balancer

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/metrics"
)

// ErrNoBrokerAvailable is returned when no live broker can take a client.
var ErrNoBrokerAvailable = errors.New("no broker is available to handle the request")

// entry is the directory's view of one broker.
type entry struct {
	addr  address.Address
	id    string // self-reported; empty until first successful probe
	load  int    // assignments made by this balancer
	alive bool
	index int // heap position
}

// entryHeap orders brokers for selection: alive before dead, then lower
// load, then address as a stable tiebreak. The three clauses form a total
// order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].alive != h[j].alive {
		return h[i].alive
	}
	if h[i].load != h[j].load {
		return h[i].load < h[j].load
	}
	return h[i].addr.String() < h[j].addr.String()
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Assignment names the broker chosen for a client.
type Assignment struct {
	ID   string
	Addr address.Address
}

// BrokerStatus is a read-only view of one directory entry.
type BrokerStatus struct {
	Addr  address.Address
	ID    string
	Load  int
	Alive bool
}

// Directory holds every configured broker and its probed state. The heap
// and each entry's (alive, id, load) tuple are guarded by one mutex;
// selection is atomic.
type Directory struct {
	mu      sync.Mutex
	heap    entryHeap
	byAddr  map[address.Address]*entry
	metrics *metrics.Metrics
}

// NewDirectory registers the configured broker endpoints, all initially
// dead until the first probe succeeds.
func NewDirectory(addrs []address.Address, m *metrics.Metrics) *Directory {
	d := &Directory{
		byAddr:  make(map[address.Address]*entry, len(addrs)),
		metrics: m,
	}
	for _, addr := range addrs {
		if _, ok := d.byAddr[addr]; ok {
			continue
		}
		e := &entry{addr: addr}
		d.byAddr[addr] = e
		d.heap = append(d.heap, e)
	}
	heap.Init(&d.heap)
	return d
}

// Select picks the minimum broker, charges the assignment to its load, and
// fails when even the minimum is dead. The caller is expected to back off
// and retry; there is no in-request retry.
func (d *Directory) Select() (Assignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.heap) == 0 {
		return Assignment{}, ErrNoBrokerAvailable
	}

	e := d.heap[0]
	e.load++
	heap.Fix(&d.heap, e.index)

	if !e.alive {
		return Assignment{}, ErrNoBrokerAvailable
	}

	if d.metrics != nil {
		d.metrics.RecordAssignment(e.addr.String())
	}
	return Assignment{ID: e.id, Addr: e.addr}, nil
}

// MarkAlive records a successful probe and the broker's self-reported id.
func (d *Directory) MarkAlive(addr address.Address, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byAddr[addr]
	if !ok {
		return
	}
	e.alive = true
	e.id = id
	heap.Fix(&d.heap, e.index)

	if d.metrics != nil {
		d.metrics.SetBrokerAlive(addr.String(), true)
	}
}

// MarkDead records a failed probe and clears the cached broker id.
func (d *Directory) MarkDead(addr address.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byAddr[addr]
	if !ok {
		return
	}
	e.alive = false
	e.id = ""
	heap.Fix(&d.heap, e.index)

	if d.metrics != nil {
		d.metrics.SetBrokerAlive(addr.String(), false)
	}
}

// DisconnectClient returns a client's slot to the broker. No server path
// invokes it today; load is a monotonically increasing placement hint.
func (d *Directory) DisconnectClient(addr address.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byAddr[addr]
	if !ok || e.load == 0 {
		return
	}
	e.load--
	heap.Fix(&d.heap, e.index)
}

// Addrs returns every registered broker endpoint.
func (d *Directory) Addrs() []address.Address {
	d.mu.Lock()
	defer d.mu.Unlock()

	addrs := make([]address.Address, 0, len(d.byAddr))
	for addr := range d.byAddr {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Status reports a read-only view of every entry, for logs and tests.
func (d *Directory) Status() []BrokerStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]BrokerStatus, 0, len(d.heap))
	for _, e := range d.heap {
		out = append(out, BrokerStatus{Addr: e.addr, ID: e.id, Load: e.load, Alive: e.alive})
	}
	return out
}
