package jobs

import (
	"context"
	"sync"
)

// Queue is the in-memory FIFO of job ids feeding the worker. It is not
// durable; the store plus Recover rebuild it after a restart. Pushing the same
// id twice queues it twice.
type Queue struct {
	mu    sync.Mutex
	items []uint64
	ready chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(ids ...uint64) {
	if len(ids) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, ids...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPull pops the oldest id without blocking.
func (q *Queue) TryPull() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items[0] = 0
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return id, true
}

// Pull blocks until an id is available or ctx is done.
func (q *Queue) Pull(ctx context.Context) (uint64, error) {
	for {
		if id, ok := q.TryPull(); ok {
			return id, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued ids in pull order.
func (q *Queue) Snapshot() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uint64(nil), q.items...)
}
