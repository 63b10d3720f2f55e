package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
)

// RedisQueue implements Queue on Redis lists. Messages live on the main
// list; a dequeue atomically moves the message to an in-flight list and
// records its visibility deadline in a hash. Ack removes both; the
// reclaimer moves expired in-flight messages back.
type RedisQueue struct {
	client     *redis.Client
	name       string
	visibility time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue on the given client. Consumers sharing a
// name share work.
func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:     client,
		name:       name,
		visibility: visibility,
	}
}

func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) deadlineKey() string { return q.name + ":deadlines" }

func (q *RedisQueue) Enqueue(ctx context.Context, msg execution.QueueMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, raw).Err(); err != nil {
		return fmt.Errorf("enqueueing %s: %w", msg.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.name, q.inflightKey(), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(q.visibility).Unix()
	if err := q.client.HSet(ctx, q.deadlineKey(), raw, deadline).Err(); err != nil {
		log.ErrorErr(log.CatQueue, "Failed to record visibility deadline", err, "queue", q.name)
	}

	var msg execution.QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison message: drop it from in-flight so it does not cycle
		// through the reclaimer forever.
		_ = q.client.LRem(ctx, q.inflightKey(), 1, raw).Err()
		_ = q.client.HDel(ctx, q.deadlineKey(), raw).Err()
		return nil, fmt.Errorf("decoding queue message: %w", err)
	}

	rawBytes := []byte(raw)
	return &Delivery{
		Message: msg,
		raw:     rawBytes,
		ack: func(ctx context.Context) error {
			if err := q.client.LRem(ctx, q.inflightKey(), 1, raw).Err(); err != nil {
				return err
			}
			return q.client.HDel(ctx, q.deadlineKey(), raw).Err()
		},
	}, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, q.inflightKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	reclaimed := 0
	for _, raw := range entries {
		deadlineStr, err := q.client.HGet(ctx, q.deadlineKey(), raw).Result()
		if errors.Is(err, redis.Nil) {
			// Consumer died between the move and the deadline write.
			// Treat as immediately expired.
			deadlineStr = "0"
		} else if err != nil {
			return reclaimed, err
		}

		var deadline int64
		_, _ = fmt.Sscanf(deadlineStr, "%d", &deadline)
		if deadline > now {
			continue
		}

		// Only requeue if we actually removed it; another reclaimer may
		// have raced us.
		removed, err := q.client.LRem(ctx, q.inflightKey(), 1, raw).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		_ = q.client.HDel(ctx, q.deadlineKey(), raw).Err()
		if err := q.client.LPush(ctx, q.name, raw).Err(); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	if reclaimed > 0 {
		log.Warn(log.CatQueue, "Requeued expired in-flight messages", "queue", q.name, "count", reclaimed)
	}
	return reclaimed, nil
}

func (q *RedisQueue) Close() error {
	return nil
}
