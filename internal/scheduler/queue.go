package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twinfer/bang/internal/wire"
)

var (
	// ErrQueueClosed is returned once the scan is complete or stopped.
	ErrQueueClosed = errors.New("job queue closed")
	// ErrQueueEmpty is returned when Pop times out.
	ErrQueueEmpty = errors.New("job queue empty")
)

// Queue is the bounded FIFO shared by the executors.
//
// Push blocks while the queue is full. The consumers of the queue are also
// its producers, so if every consumer were blocked in Push nobody would be
// left to drain it; the last consumer to arrive is therefore allowed to
// exceed the capacity.
type Queue struct {
	mu        sync.Mutex
	items     []wire.Job
	head      int
	capacity  int
	consumers int
	pushing   int
	closed    bool
	changed   chan struct{}
	peak      int
}

// NewQueue returns a queue holding up to capacity jobs, drained by the
// given number of consumers.
func NewQueue(capacity, consumers int) *Queue {
	return &Queue{
		capacity:  max(capacity, 1),
		consumers: max(consumers, 1),
		changed:   make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers hold mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Peak returns the largest length the queue reached.
func (q *Queue) Peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Push appends j, waiting for room.
func (q *Queue) Push(ctx context.Context, j wire.Job) error {
	q.mu.Lock()
	for !q.closed && len(q.items)-q.head >= q.capacity && q.pushing+1 < q.consumers {
		q.pushing++
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			q.mu.Lock()
			q.pushing--
			q.mu.Unlock()
			return ctx.Err()
		}
		q.mu.Lock()
		q.pushing--
	}
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, j)
	q.peak = max(q.peak, len(q.items)-q.head)
	q.broadcast()
	return nil
}

// Pop removes the oldest job. It waits at most timeout for one to arrive
// and then returns ErrQueueEmpty, so callers can check for completion.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (wire.Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q.mu.Lock()
	for q.head == len(q.items) {
		if q.closed {
			q.mu.Unlock()
			return wire.Job{}, ErrQueueClosed
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			return wire.Job{}, ErrQueueEmpty
		case <-ctx.Done():
			return wire.Job{}, ctx.Err()
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()
	j := q.items[q.head]
	q.items[q.head] = wire.Job{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.broadcast()
	return j, nil
}

// Close wakes all waiters. Queued jobs can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}
