package cmd

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/queue"
)

// openStore connects the ephemeral store: Redis when an address is
// configured, in-memory otherwise. The in-memory backend only serves a
// single process; cross-process commands (submit against a running
// scheduler) need Redis.
func openStore(ctx context.Context) (ephemeral.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		st := ephemeral.NewMemoryStore()
		return st, func() { _ = st.Close() }, nil
	}
	st, err := ephemeral.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// openFabric connects the ephemeral store and durable queue on the same
// backend.
func openFabric(ctx context.Context) (ephemeral.Store, queue.Queue, func(), error) {
	visibility := time.Duration(cfg.Queue.VisibilityTimeoutSeconds) * time.Second

	if cfg.Redis.Addr == "" {
		st := ephemeral.NewMemoryStore()
		q := queue.NewMemoryQueue(visibility)
		return st, q, func() {
			_ = q.Close()
			_ = st.Close()
		}, nil
	}

	st, err := ephemeral.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	q := queue.NewRedisQueue(client, cfg.Queue.Name, visibility)
	return st, q, func() {
		_ = q.Close()
		_ = client.Close()
		_ = st.Close()
	}, nil
}
