package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/oriys/fanq/internal/snapshot"
)

// SnapshotObserver receives the duration and outcome of every snapshot
// write, for metrics.
type SnapshotObserver func(d time.Duration, err error)

// Engine owns every queue local to one broker. All mutating calls are
// serialized under one mutex, and the snapshot is rewritten inside the
// critical section before the call returns, so a caller that observes
// success observes state that survives a restart. A failed snapshot write
// rolls the mutation back.
type Engine struct {
	mu       sync.Mutex
	queues   map[string]*Queue
	store    snapshot.Store
	observer SnapshotObserver
}

// SetSnapshotObserver installs fn; it is called after every snapshot write.
func (e *Engine) SetSnapshotObserver(fn SnapshotObserver) {
	e.mu.Lock()
	e.observer = fn
	e.mu.Unlock()
}

// queueRecord is the persisted form of a Queue.
type queueRecord struct {
	ID       string            `msgpack:"id"`
	Owner    string            `msgpack:"owner"`
	Messages [][]byte          `msgpack:"messages"`
	Cursors  map[string]int    `msgpack:"cursors"`
}

// NewEngine builds an engine, restoring state from the store when a
// snapshot exists.
func NewEngine(store snapshot.Store) (*Engine, error) {
	e := &Engine{
		queues: make(map[string]*Queue),
		store:  store,
	}

	state, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	if ok {
		if err := e.restore(state); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) restore(state []byte) error {
	var records map[string]queueRecord
	if err := msgpack.Unmarshal(state, &records); err != nil {
		return err
	}

	for name, rec := range records {
		cursors := rec.Cursors
		if cursors == nil {
			cursors = make(map[string]int)
		}
		e.queues[name] = &Queue{
			ID:       rec.ID,
			Name:     name,
			Owner:    rec.Owner,
			Messages: rec.Messages,
			Cursors:  cursors,
		}
	}
	return nil
}

// persistLocked serializes the full queue map and hands it to the store.
// Callers hold e.mu.
func (e *Engine) persistLocked() error {
	records := make(map[string]queueRecord, len(e.queues))
	for name, q := range e.queues {
		records[name] = queueRecord{
			ID:       q.ID,
			Owner:    q.Owner,
			Messages: q.Messages,
			Cursors:  q.Cursors,
		}
	}

	state, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	start := time.Now()
	err = e.store.Save(state)
	if e.observer != nil {
		e.observer(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// CreateQueue creates a queue or returns the existing one with the same
// name. The owner of the first create wins; later creates do not change it.
func (e *Engine) CreateQueue(name, owner string) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queues[name]; ok {
		return Info{ID: q.ID, Name: q.Name}, nil
	}

	q := &Queue{
		ID:      uuid.New().String(),
		Name:    name,
		Owner:   owner,
		Cursors: make(map[string]int),
	}
	e.queues[name] = q

	if err := e.persistLocked(); err != nil {
		delete(e.queues, name)
		return Info{}, err
	}
	return Info{ID: q.ID, Name: q.Name}, nil
}

// Push appends payload to the named queue. The sender's cursor is
// initialized to 0 on its first push.
func (e *Engine) Push(queueName, senderID string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[queueName]
	if !ok {
		return fmt.Errorf("queue %q: %w", queueName, ErrQueueNotFound)
	}

	q.Messages = append(q.Messages, payload)
	_, hadCursor := q.Cursors[senderID]
	if !hadCursor {
		q.Cursors[senderID] = 0
	}

	if err := e.persistLocked(); err != nil {
		q.Messages = q.Messages[:len(q.Messages)-1]
		if !hadCursor {
			delete(q.Cursors, senderID)
		}
		return err
	}
	return nil
}

// Pop returns the message at the client's cursor and advances the cursor by
// one. The message itself stays in the queue for other clients.
func (e *Engine) Pop(queueName, clientID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queueName, ErrQueueNotFound)
	}

	pos, ok := q.Cursors[clientID]
	if !ok || pos < 0 {
		return nil, fmt.Errorf("client %s, queue %q: %w", clientID, queueName, ErrClientNotRegistered)
	}
	if pos >= len(q.Messages) {
		return nil, fmt.Errorf("client %s, queue %q: %w", clientID, queueName, ErrEndOfStream)
	}

	payload := q.Messages[pos]
	q.Cursors[clientID] = pos + 1

	if err := e.persistLocked(); err != nil {
		q.Cursors[clientID] = pos
		return nil, err
	}
	return payload, nil
}

// QueueNames returns the names of all queues, for diagnostics.
func (e *Engine) QueueNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	return names
}

// Cursor reports the cursor of clientID in the named queue.
func (e *Engine) Cursor(queueName, clientID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[queueName]
	if !ok {
		return 0, false
	}
	pos, ok := q.Cursors[clientID]
	return pos, ok
}
