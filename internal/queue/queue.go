// Package queue provides the ordered hand-off between the network producers
// (sender, push listener) and the single store worker.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperengineering/calcsync/internal/types"
)

// Kind identifies the variant carried by an Operation.
type Kind int

const (
	// KindInsert carries a single record created by this client.
	KindInsert Kind = iota + 1
	// KindSync carries a full server snapshot.
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindSync:
		return "sync"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is a unit of store work. Build one with Insert or Sync.
type Operation struct {
	kind     Kind
	record   types.Record
	snapshot types.Snapshot
}

// Insert returns an operation that adds r to the replica.
func Insert(r types.Record) Operation {
	return Operation{kind: KindInsert, record: r}
}

// Sync returns an operation that reconciles the replica with s.
func Sync(s types.Snapshot) Operation {
	return Operation{kind: KindSync, snapshot: s}
}

func (o Operation) Kind() Kind { return o.kind }

// Record is only meaningful for KindInsert.
func (o Operation) Record() types.Record { return o.record }

// Snapshot is only meaningful for KindSync.
func (o Operation) Snapshot() types.Snapshot { return o.snapshot }

// Queue is an unbounded multi-producer, single-consumer FIFO.
// Enqueue never blocks and never drops while the queue is open.
type Queue struct {
	mu     sync.Mutex
	items  []Operation
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates an open, empty queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends op. It reports false, leaving the queue unchanged, once
// Close has been called.
func (q *Queue) Enqueue(op Operation) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, op)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an operation is available and returns it. ok is false
// when the queue is closed and drained, or ctx is done.
func (q *Queue) Next(ctx context.Context) (op Operation, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			op = q.items[0]
			q.items[0] = Operation{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return op, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Operation{}, false
		}

		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return Operation{}, false
		}
	}
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new operations. Operations already queued remain
// available to Next. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
