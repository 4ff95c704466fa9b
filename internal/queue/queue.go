// Package queue provides the bounded priority FIFO between MQTT ingress and
// the worker pool. Enqueue never blocks: a full queue returns [ErrFull]
// immediately so the broker's receive path stays responsive, and ingress
// turns the overflow into a backpressure error reply.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/internal/gateway"
)

var (
	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("queue is full")

	// ErrClosed is returned by Enqueue after Close, and by Dequeue after
	// Close once the queue has drained.
	ErrClosed = errors.New("queue is closed")
)

// Queue is a bounded FIFO with an integer priority key. Requests of equal
// priority dequeue in insertion order. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	items   requestHeap
	cap     int
	nextSeq uint64
	closed  bool

	// signal carries one token per queued item so Dequeue can wait without
	// spinning. Buffered to capacity; sends happen under mu and never block.
	signal chan struct{}
}

// New creates a Queue bounded at capacity. capacity must be positive.
func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue{
		cap:    capacity,
		items:  make(requestHeap, 0, capacity),
		signal: make(chan struct{}, capacity),
	}
}

// Enqueue offers req to the queue without blocking. It returns ErrFull when
// the queue is at capacity and ErrClosed after Close.
func (q *Queue) Enqueue(req *gateway.Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		return ErrFull
	}
	heap.Push(&q.items, entry{req: req, priority: req.Priority, seq: q.nextSeq})
	q.nextSeq++
	// Sent under mu so Close cannot slip in between the push and the token.
	// The buffer holds one token per item, so this never blocks.
	q.signal <- struct{}{}
	q.mu.Unlock()
	return nil
}

// Dequeue removes and returns the highest-priority request, blocking until
// one is available, ctx ends, or the queue is closed and drained. After
// Close, queued requests are still handed out until the queue empties.
func (q *Queue) Dequeue(ctx context.Context) (*gateway.Request, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-q.signal:
			if req := q.pop(); req != nil {
				return req, nil
			}
			if !ok {
				// Closed and drained.
				return nil, ErrClosed
			}
		}
	}
}

// pop removes the head under the lock, returning nil when empty.
func (q *Queue) pop() *gateway.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	e := heap.Pop(&q.items).(entry)
	return e.req
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues. Workers keep draining queued requests;
// once the queue empties, Dequeue returns ErrClosed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
