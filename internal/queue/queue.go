// Package queue provides the durable execution queue: at-least-once
// delivery with explicit acknowledgement and redelivery of messages whose
// consumer died before acking.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bifrost-run/bifrost/internal/execution"
)

// ErrEmpty is returned by Dequeue when no message arrives within the
// timeout.
var ErrEmpty = errors.New("queue: empty")

// Delivery is a dequeued message. The consumer must Ack after the work
// is durably handed off; an unacked delivery is redelivered once its
// visibility timeout expires.
type Delivery struct {
	Message execution.QueueMessage

	raw []byte
	ack func(ctx context.Context) error
}

// Ack marks the delivery as processed. Acking twice is harmless.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	err := d.ack(ctx)
	d.ack = nil
	return err
}

// Queue is the durable hand-off between submission and dispatch.
type Queue interface {
	// Enqueue appends a message. Returns only after the message is
	// durably queued.
	Enqueue(ctx context.Context, msg execution.QueueMessage) error

	// Dequeue blocks until a message is available or the timeout
	// elapses. Returns ErrEmpty on timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)

	// Len returns the number of queued (not in-flight) messages.
	Len(ctx context.Context) (int64, error)

	// Reclaim requeues in-flight messages whose visibility timeout has
	// expired. Returns the number requeued.
	Reclaim(ctx context.Context) (int, error)

	Close() error
}

// StartReclaimer runs q.Reclaim on a fixed interval until ctx is
// cancelled.
func StartReclaimer(ctx context.Context, q Queue, interval time.Duration, onReclaim func(n int)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.Reclaim(ctx)
				if err == nil && n > 0 && onReclaim != nil {
					onReclaim(n)
				}
			}
		}
	}()
}
