// Package dispatch consumes the durable queue and turns staged requests
// into running executions: it materializes the RUNNING record, resolves
// and coerces against the target registry, stages the worker context,
// and hands the execution to the process pool. One dispatcher runs per
// deployment.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/pool"
	"github.com/bifrost-run/bifrost/internal/queue"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/store"
	"github.com/bifrost-run/bifrost/internal/tracing"
)

// Pool is the dispatcher's view of the process pool.
type Pool interface {
	Dispatch(ctx context.Context, a pool.Assignment) error
}

// Completer terminalizes executions the dispatcher rejects before they
// reach a worker. *result.Path implements it.
type Completer interface {
	Complete(ctx context.Context, res *execution.Result) error
}

// Config tunes the dispatch loop.
type Config struct {
	// DequeueTimeout bounds each blocking queue poll. Defaults to 2s.
	DequeueTimeout time.Duration

	// DefaultTimeout applies when neither the request nor the target
	// declares one. Mirrors the pool's execution timeout.
	DefaultTimeout time.Duration

	// ContextGrace pads the exec:{id}:context TTL past the execution
	// timeout so slow result paths still find it. Defaults to 60s.
	ContextGrace time.Duration

	// BackoffBase and BackoffMax bound the exponential requeue delay on
	// pool saturation. Defaults: 250ms, 15s.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Dispatcher is the single queue consumer.
type Dispatcher struct {
	queue    queue.Queue
	store    ephemeral.Store
	repo     *store.ExecutionRepository
	registry *resolver.Registry
	pool     Pool
	results  Completer
	cfg      Config
	tracer   trace.Tracer

	backoff time.Duration
}

// NewDispatcher creates a dispatcher. tracer may be nil.
func NewDispatcher(q queue.Queue, st ephemeral.Store, repo *store.ExecutionRepository, registry *resolver.Registry, p Pool, results Completer, cfg Config, tracer trace.Tracer) *Dispatcher {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	if cfg.ContextGrace <= 0 {
		cfg.ContextGrace = time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Second
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Dispatcher{
		queue:    q,
		store:    st,
		repo:     repo,
		registry: registry,
		pool:     p,
		results:  results,
		cfg:      cfg,
		tracer:   tracer,
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info(log.CatDispatch, "Dispatcher started")
	for {
		delivery, err := d.queue.Dequeue(ctx, d.cfg.DequeueTimeout)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case ctx.Err() != nil:
			log.Info(log.CatDispatch, "Dispatcher stopping")
			return nil
		case err != nil:
			log.ErrorErr(log.CatDispatch, "Dequeue failed", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		d.handle(ctx, delivery)
	}
}

// handle processes one delivery end to end. Only durably handed-off (or
// durably rejected) messages are acked; everything else is redelivered
// by the visibility timeout.
func (d *Dispatcher) handle(ctx context.Context, delivery *queue.Delivery) {
	ctx, span := d.tracer.Start(ctx, tracing.SpanPrefixDispatch+"message")
	defer span.End()

	id := delivery.Message.ID
	span.SetAttributes(attribute.String(tracing.AttrExecutionID, string(id)))

	// Terminal rejection: finalize through the result path so waiters
	// and subscribers hear about it, then ack.
	reject := func(kind execution.ErrorKind, message string) {
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(kind)))
		if err := d.results.Complete(ctx, &execution.Result{
			ExecutionID:  id,
			Status:       execution.StatusFailed,
			ErrorKind:    kind,
			ErrorMessage: message,
		}); err != nil {
			log.ErrorErr(log.CatDispatch, "Rejection finalize failed", err, "execution", id)
			return // unacked: redelivered, retried
		}
		d.ack(ctx, delivery)
	}

	// 1. Staged request.
	raw, err := d.store.Get(ctx, execution.PendingKey(id))
	if errors.Is(err, ephemeral.ErrNotFound) {
		// Duplicate of a finished execution, or the staging TTL fired
		// before we got here. Complete is a no-op for the former and
		// terminalizes the stale PENDING record for the latter.
		log.Warn(log.CatDispatch, "Staged request missing", "execution", id)
		reject(execution.ErrorUnavailable, "staged request expired before dispatch")
		return
	}
	if err != nil {
		log.ErrorErr(log.CatDispatch, "Staged request read failed", err, "execution", id)
		return
	}
	var req execution.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		log.ErrorErr(log.CatDispatch, "Staged request corrupt", err, "execution", id)
		reject(execution.ErrorInvalidRequest, fmt.Sprintf("staged request corrupt: %v", err))
		return
	}

	// 2. RUNNING upsert, idempotent across duplicate deliveries.
	rec := &execution.Record{
		ID:       id,
		Kind:     req.Kind,
		TargetID: req.Target,
		TenantID: req.Caller.TenantID,
		UserID:   req.Caller.UserID,
		Status:   execution.StatusPending,
	}
	prior, err := d.repo.UpsertRunning(rec, time.Now().UnixMilli())
	if err != nil {
		log.ErrorErr(log.CatDispatch, "Running upsert failed", err, "execution", id)
		return
	}
	if prior.IsTerminal() {
		log.Debug(log.CatDispatch, "Duplicate delivery of finished execution", "execution", id, "status", prior)
		d.ack(ctx, delivery)
		return
	}

	// 3. Resolve and coerce.
	target, err := d.registry.Resolve(req.Kind, req.Target)
	if err != nil {
		reject(execution.ErrorTargetNotFound, err.Error())
		return
	}
	coerced, err := target.Schema.Coerce(req.Parameters)
	if err != nil {
		reject(execution.ErrorInvalidParams, err.Error())
		return
	}

	timeout := d.effectiveTimeout(&req, target)

	// 4. Worker-facing context, TTL = timeout + grace.
	ectx := execution.Context{
		ID:             id,
		Kind:           req.Kind,
		Target:         req.Target,
		Parameters:     coerced,
		Caller:         req.Caller,
		Config:         req.Config,
		TimeoutSeconds: int(timeout / time.Second),
		Sync:           req.Sync,
	}
	encoded, err := json.Marshal(ectx)
	if err != nil {
		reject(execution.ErrorInvalidRequest, fmt.Sprintf("context encode failed: %v", err))
		return
	}
	if err := d.store.Set(ctx, execution.ContextKey(id), encoded, timeout+d.cfg.ContextGrace); err != nil {
		log.ErrorErr(log.CatDispatch, "Context write failed", err, "execution", id)
		return
	}
	span.AddEvent(tracing.EventContextWritten)

	// 5–6. Pool hand-off; saturation requeues with backoff.
	err = d.pool.Dispatch(ctx, pool.Assignment{
		ExecutionID: id,
		TenantID:    req.Caller.TenantID,
		Timeout:     timeout,
	})
	switch {
	case err == nil:
		span.AddEvent(tracing.EventHandedToPool)
		d.backoff = 0
		d.ack(ctx, delivery)

	case errors.Is(err, pool.ErrSaturated):
		d.requeue(ctx, delivery, span)

	default:
		log.ErrorErr(log.CatDispatch, "Pool hand-off failed", err, "execution", id)
		// Unacked: redelivered after the visibility timeout.
	}
}

// requeue pushes the message back with exponential backoff and acks the
// original delivery.
func (d *Dispatcher) requeue(ctx context.Context, delivery *queue.Delivery, span trace.Span) {
	if d.backoff == 0 {
		d.backoff = d.cfg.BackoffBase
	} else {
		d.backoff *= 2
		if d.backoff > d.cfg.BackoffMax {
			d.backoff = d.cfg.BackoffMax
		}
	}
	log.Warn(log.CatDispatch, "Pool saturated, requeueing",
		"execution", delivery.Message.ID, "backoff", d.backoff)

	select {
	case <-time.After(d.backoff):
	case <-ctx.Done():
		return // unacked: the message is redelivered elsewhere
	}

	if err := d.queue.Enqueue(ctx, delivery.Message); err != nil {
		log.ErrorErr(log.CatDispatch, "Requeue failed", err, "execution", delivery.Message.ID)
		return
	}
	span.AddEvent(tracing.EventRequeued)
	d.ack(ctx, delivery)
}

func (d *Dispatcher) effectiveTimeout(req *execution.Request, target resolver.Target) time.Duration {
	switch {
	case req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0:
		return time.Duration(*req.TimeoutSeconds) * time.Second
	case target.TimeoutSeconds > 0:
		return time.Duration(target.TimeoutSeconds) * time.Second
	default:
		return d.cfg.DefaultTimeout
	}
}

func (d *Dispatcher) ack(ctx context.Context, delivery *queue.Delivery) {
	if err := delivery.Ack(ctx); err != nil {
		log.ErrorErr(log.CatDispatch, "Ack failed", err, "execution", delivery.Message.ID)
	}
}
