// Package result implements the terminal leg of an execution: it
// finalizes the durable record, flushes buffered logs, notifies
// subscribers and synchronous waiters, and cleans up the per-execution
// ephemeral keys. Every step is idempotent; re-running the path for an
// already-terminal execution only repeats the cleanup.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/progress"
	"github.com/bifrost-run/bifrost/internal/store"
	"github.com/bifrost-run/bifrost/internal/tracing"
)

// Config tunes the result path.
type Config struct {
	// RendezvousTTL bounds how long a terminal record waits on result:{id}
	// for a synchronous waiter.
	RendezvousTTL time.Duration

	// ReleaseQuota enables per-tenant quota release on completion. Must
	// match the submission API's quota setting.
	ReleaseQuota bool
}

// Path processes terminal results.
type Path struct {
	store     ephemeral.Store
	repo      *store.ExecutionRepository
	publisher *progress.Publisher
	sink      Sink
	cfg       Config
	tracer    trace.Tracer
}

// NewPath creates a result path. sink and tracer may be nil; a nil sink
// skips log flushing.
func NewPath(st ephemeral.Store, repo *store.ExecutionRepository, publisher *progress.Publisher, sink Sink, cfg Config, tracer trace.Tracer) *Path {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Path{store: st, repo: repo, publisher: publisher, sink: sink, cfg: cfg, tracer: tracer}
}

// Complete runs the full terminal sequence for one result. Safe to call
// more than once per execution: the write-once record guard detects the
// duplicate and Complete degrades to cleanup.
func (p *Path) Complete(ctx context.Context, res *execution.Result) error {
	ctx, span := p.tracer.Start(ctx, tracing.SpanPrefixResult+"complete")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrExecutionID, string(res.ExecutionID)),
		attribute.String(tracing.AttrStatus, string(res.Status)),
	)

	id := res.ExecutionID

	// Flush buffered logs before finalizing so logs_ref lands on the
	// record. Best effort: a flush failure never blocks the terminal
	// write.
	logsRef := ""
	if p.sink != nil {
		lines, err := p.store.LRange(ctx, execution.LogsKey(id), 0, -1)
		if err != nil {
			log.ErrorErr(log.CatResult, "Log buffer read failed", err, "execution", id)
		} else if len(lines) > 0 {
			logsRef, err = p.sink.Flush(id, lines)
			if err != nil {
				log.ErrorErr(log.CatResult, "Log flush failed", err, "execution", id)
				logsRef = ""
			} else {
				span.AddEvent(tracing.EventLogsFlushed)
			}
		}
	}

	duplicate := false
	err := p.repo.Finalize(res, logsRef, time.Now().UnixMilli())
	switch {
	case errors.Is(err, store.ErrAlreadyTerminal):
		// Late synthetic result or redelivered completion; the first
		// writer won and subscribers were already notified.
		duplicate = true
		log.Debug(log.CatResult, "Record already terminal", "execution", id, "status", res.Status)
	case errors.Is(err, store.ErrNotFound):
		log.Error(log.CatResult, "Result for unknown record", "execution", id, "status", res.Status)
	case err != nil:
		return err
	default:
		span.AddEvent(tracing.EventRecordFinalized)
		log.Info(log.CatResult, "Execution finalized",
			"execution", id, "status", res.Status, "error_kind", res.ErrorKind, "duration_ms", res.Usage.DurationMS)
	}

	rec, recErr := p.repo.Get(id)
	if recErr != nil {
		rec = nil
	}

	if !duplicate && rec != nil {
		p.notify(ctx, rec)
	}

	// The quota slot is released exactly once, by whichever call won the
	// terminal write; duplicates only repeat the key deletes.
	p.cleanup(ctx, id, rec, !duplicate)
	return nil
}

// notify publishes the completion event and feeds the rendezvous for a
// synchronous waiter.
func (p *Path) notify(ctx context.Context, rec *execution.Record) {
	id := rec.ID

	if p.publisher != nil {
		payload, err := json.Marshal(map[string]any{
			"status":        rec.Status,
			"error_kind":    rec.ErrorKind,
			"error_message": rec.ErrorMessage,
		})
		if err == nil {
			if perr := p.publisher.Publish(ctx, id, rec.TenantID, execution.ProgressState, payload); perr != nil {
				log.ErrorErr(log.CatResult, "Completion publish failed", perr, "execution", id)
			}
		}
	}

	if !p.wasSync(ctx, id) {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		log.ErrorErr(log.CatResult, "Record encode failed", err, "execution", id)
		return
	}
	key := execution.ResultKey(id)
	if err := p.store.RPush(ctx, key, raw); err != nil {
		log.ErrorErr(log.CatResult, "Rendezvous push failed", err, "execution", id)
		return
	}
	if p.cfg.RendezvousTTL > 0 {
		if err := p.store.Expire(ctx, key, p.cfg.RendezvousTTL); err != nil {
			log.ErrorErr(log.CatResult, "Rendezvous expire failed", err, "execution", id)
		}
	}
}

// wasSync recovers the sync flag from the staged request, falling back
// to the worker context when the staging TTL already fired.
func (p *Path) wasSync(ctx context.Context, id execution.ID) bool {
	if raw, err := p.store.Get(ctx, execution.PendingKey(id)); err == nil {
		var req execution.Request
		if json.Unmarshal(raw, &req) == nil {
			return req.Sync
		}
	}
	if raw, err := p.store.Get(ctx, execution.ContextKey(id)); err == nil {
		var ectx execution.Context
		if json.Unmarshal(raw, &ectx) == nil {
			return ectx.Sync
		}
	}
	return false
}

// cleanup removes the per-execution ephemeral keys and releases the
// tenant quota slot. All deletes are idempotent.
func (p *Path) cleanup(ctx context.Context, id execution.ID, rec *execution.Record, releaseQuota bool) {
	for _, key := range []string{
		execution.PendingKey(id),
		execution.ContextKey(id),
		execution.LogsKey(id),
	} {
		if err := p.store.Delete(ctx, key); err != nil {
			log.ErrorErr(log.CatResult, "Key delete failed", err, "key", key)
		}
	}

	if p.publisher != nil {
		p.publisher.Forget(id)
	}

	if releaseQuota && p.cfg.ReleaseQuota && rec != nil && rec.TenantID != "" {
		if _, err := p.store.Decr(ctx, execution.QuotaKey(rec.TenantID)); err != nil {
			log.ErrorErr(log.CatResult, "Quota release failed", err, "tenant", rec.TenantID)
		}
	}
}
