// Package queue implements the per-broker queue engine: named append-only
// logs with per-client cursors and a snapshot/restore lifecycle.
//
// Reads are non-destructive. Each client consumes the log from its own
// cursor, which gives fan-out semantics: N clients each see the full stream
// from the point their cursor was initialized. A cursor is created the
// first time a client pushes to the queue.
package queue

import "errors"

var (
	// ErrQueueNotFound is returned when an operation references an absent
	// queue name.
	ErrQueueNotFound = errors.New("queue does not exist")

	// ErrClientNotRegistered is returned on pop by a client that has never
	// pushed to the queue.
	ErrClientNotRegistered = errors.New("client is not registered in queue")

	// ErrEndOfStream is returned on pop when the client has consumed every
	// message currently in the queue.
	ErrEndOfStream = errors.New("end of stream")
)

// Queue is a named, owner-tagged, append-only log plus the read cursors of
// its clients. Cursor values are in [0, len(Messages)]; a cursor equal to
// len(Messages) means caught up.
type Queue struct {
	ID       string
	Name     string
	Owner    string
	Messages [][]byte
	Cursors  map[string]int
}

// Info identifies a queue to clients.
type Info struct {
	ID   string
	Name string
}
