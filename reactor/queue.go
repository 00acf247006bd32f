// File: reactor/queue.go
// Author: momentics <momentics@gmail.com>
//
// Queue is the in-process completion queue: an unbounded FIFO guarded by a
// mutex, with a condition variable for blocked waiters.

package reactor

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-tcp/api"
)

// Queue is a multi-producer, multi-consumer completion FIFO.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post appends c and wakes one waiter.
func (q *Queue) Post(c Completion) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return api.ErrPortClosed
	}
	q.items.Add(c)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// Wait blocks until a completion is queued. Entries posted before Close are
// still delivered; once the queue is closed and empty, Wait returns
// api.ErrPortClosed.
func (q *Queue) Wait() (Completion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() == 0 {
		if q.closed {
			return Completion{}, api.ErrPortClosed
		}
		q.cond.Wait()
	}
	return q.items.Remove().(Completion), nil
}

// TryWait returns the oldest completion without blocking.
func (q *Queue) TryWait() (Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return Completion{}, false
	}
	return q.items.Remove().(Completion), true
}

// Len returns the number of queued completions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close rejects further posts and releases every blocked waiter.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}
