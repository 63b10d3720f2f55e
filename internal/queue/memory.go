package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bifrost-run/bifrost/internal/execution"
)

// MemoryQueue implements Queue in process memory with the same
// at-least-once semantics as RedisQueue. It is durable only for the
// lifetime of the process; used by single-process runs and tests.
type MemoryQueue struct {
	visibility time.Duration

	mu       sync.Mutex
	items    []execution.QueueMessage
	inflight map[execution.ID]inflightEntry
	waiters  []chan execution.QueueMessage
	closed   bool
}

type inflightEntry struct {
	msg      execution.QueueMessage
	deadline time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		visibility: visibility,
		inflight:   make(map[execution.ID]inflightEntry),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg execution.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		select {
		case w <- msg:
			q.inflight[msg.ID] = inflightEntry{msg: msg, deadline: time.Now().Add(q.visibility)}
			return nil
		default:
			// Waiter gave up; try the next.
		}
	}

	q.items = append(q.items, msg)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		msg := q.items[0]
		q.items = q.items[1:]
		q.inflight[msg.ID] = inflightEntry{msg: msg, deadline: time.Now().Add(q.visibility)}
		q.mu.Unlock()
		return q.delivery(msg), nil
	}

	w := make(chan execution.QueueMessage, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w:
		return q.delivery(msg), nil
	case <-timer.C:
		q.removeWaiter(w)
		return nil, ErrEmpty
	case <-ctx.Done():
		q.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) delivery(msg execution.QueueMessage) *Delivery {
	return &Delivery{
		Message: msg,
		ack: func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.inflight, msg.ID)
			return nil
		},
	}
}

func (q *MemoryQueue) removeWaiter(w chan execution.QueueMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, c := range q.waiters {
		if c == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	select {
	case msg := <-w:
		// A message was handed off while we were giving up. Put it back
		// at the head and drop its in-flight entry.
		delete(q.inflight, msg.ID)
		q.items = append([]execution.QueueMessage{msg}, q.items...)
	default:
	}
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Reclaim(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	reclaimed := 0
	for id, entry := range q.inflight {
		if entry.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		q.items = append(q.items, entry.msg)
		reclaimed++
	}
	return reclaimed, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
