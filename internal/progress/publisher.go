// Package progress streams intermediate execution events to live
// subscribers and buffers log events for the result path to flush.
// Progress is best-effort: no subscriber, no delivery, and nothing here
// blocks an execution.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
)

// logBufferTTL bounds how long buffered log events outlive an execution
// whose result path never ran.
const logBufferTTL = 24 * time.Hour

// Publisher fans out progress events. Each execution gets a monotonic
// sequence so subscribers can detect gaps from dropped events.
type Publisher struct {
	store ephemeral.Store

	mu   sync.Mutex
	seqs map[execution.ID]int64
}

// NewPublisher creates a publisher on the given store.
func NewPublisher(store ephemeral.Store) *Publisher {
	return &Publisher{
		store: store,
		seqs:  make(map[execution.ID]int64),
	}
}

// Publish sends one progress event on the execution's channel and, when
// tenantID is set, on the tenant firehose. Log events are additionally
// buffered under logs:{id} for the result path.
func (p *Publisher) Publish(ctx context.Context, id execution.ID, tenantID string, kind execution.ProgressKind, payload json.RawMessage) error {
	p.mu.Lock()
	p.seqs[id]++
	seq := p.seqs[id]
	p.mu.Unlock()

	event := execution.ProgressEvent{
		ExecutionID: id,
		Kind:        kind,
		Payload:     payload,
		Seq:         seq,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding progress event: %w", err)
	}

	if err := p.store.Publish(ctx, execution.ProgressChannel(id), raw); err != nil {
		return fmt.Errorf("publishing progress for %s: %w", id, err)
	}
	if tenantID != "" {
		if err := p.store.Publish(ctx, execution.TenantProgressChannel(tenantID), raw); err != nil {
			log.ErrorErr(log.CatResult, "Tenant progress publish failed", err, "tenant", tenantID)
		}
	}

	if kind == execution.ProgressLog {
		key := execution.LogsKey(id)
		if err := p.store.RPush(ctx, key, payload); err != nil {
			return fmt.Errorf("buffering log event for %s: %w", id, err)
		}
		if err := p.store.Expire(ctx, key, logBufferTTL); err != nil {
			log.ErrorErr(log.CatResult, "Log buffer expire failed", err, "execution", id)
		}
	}
	return nil
}

// Forget drops the sequence counter for a finished execution.
func (p *Publisher) Forget(id execution.ID) {
	p.mu.Lock()
	delete(p.seqs, id)
	p.mu.Unlock()
}

// Subscribe streams decoded progress events for one execution until ctx
// is cancelled. Undecodable payloads are dropped.
func Subscribe(ctx context.Context, store ephemeral.Store, id execution.ID) (<-chan execution.ProgressEvent, error) {
	msgs, err := store.Subscribe(ctx, execution.ProgressChannel(id))
	if err != nil {
		return nil, err
	}

	out := make(chan execution.ProgressEvent, 64)
	log.SafeGo("progress-subscribe", func() {
		defer close(out)
		for msg := range msgs {
			var event execution.ProgressEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.ErrorErr(log.CatResult, "Dropping malformed progress event", err, "execution", id)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}
