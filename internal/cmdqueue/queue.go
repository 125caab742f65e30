// Package cmdqueue implements the per-session bounded command FIFO. It is
// a bare data structure: enqueue/dequeue with a capacity bound and
// staleness expiry. It does not know about execution, gating, or sessions;
// the coordinator drives it.
package cmdqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/sshcoterm/coterm/internal/model"
)

// ErrQueueFull is returned by Enqueue when the queue is already at capacity.
var ErrQueueFull = errors.New("queue full")

// ErrExpired is the reason given to requests skipped by DrainOne because
// they sat in the queue longer than the staleness threshold.
var ErrExpired = errors.New("expired")

// Queue is a bounded, FIFO command queue for a single session.
type Queue struct {
	mu        sync.Mutex
	items     []*model.CommandRequest
	capacity  int
	staleness time.Duration

	// notify is closed and replaced whenever the queue transitions from
	// empty to non-empty, waking any goroutine waiting on the channel
	// returned by NotifyChan.
	notify chan struct{}
}

// New creates a Queue with the given capacity and staleness threshold.
func New(capacity int, staleness time.Duration) *Queue {
	return &Queue{
		capacity:  capacity,
		staleness: staleness,
		notify:    make(chan struct{}),
	}
}

// Len returns the number of requests currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends req to the tail of the queue. It fails with ErrQueueFull
// if the queue is already at capacity.
func (q *Queue) Enqueue(req *model.CommandRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, req)
	if wasEmpty {
		close(q.notify)
		q.notify = make(chan struct{})
	}
	return nil
}

// DrainOne removes and returns the head of the queue, skipping (and failing
// with ErrExpired) any entries whose age exceeds the staleness threshold.
// It returns nil if the queue is empty after skipping stale entries.
func (q *Queue) DrainOne() *model.CommandRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]

		if q.staleness > 0 && time.Since(head.EnqueuedAt) > q.staleness {
			head.Resolve(model.Result{ExitCode: -1, Err: ErrExpired})
			continue
		}
		return head
	}
	return nil
}

// RejectAll fails every pending request with reason and empties the queue.
func (q *Queue) RejectAll(reason error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range items {
		req.Resolve(model.Result{ExitCode: -1, Err: reason})
	}
}

// NotifyChan returns a channel that closes the next time the queue becomes
// non-empty from an empty state. Callers should re-call NotifyChan after it
// fires to keep waiting.
func (q *Queue) NotifyChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}
