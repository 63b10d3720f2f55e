// Package submit is the submission API: it validates requests, stages
// them in the ephemeral store, enqueues the durable hand-off, and gives
// synchronous callers a rendezvous to wait on. Acceptance means the
// request is durably queued, not that it ran.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bifrost-run/bifrost/internal/config"
	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/queue"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/store"
	"github.com/bifrost-run/bifrost/internal/tracing"
)

// ErrQuotaExceeded is returned when a tenant is at its concurrent
// in-flight submission cap.
var ErrQuotaExceeded = errors.New("submit: tenant quota exceeded")

// ErrWaitTimeout is returned by WaitForResult when no terminal result
// arrived within the wait window.
var ErrWaitTimeout = errors.New("submit: timed out waiting for result")

// ValidationError rejects a malformed request synchronously, before any
// record or queue write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	ID         execution.ID     `json:"id"`
	Status     execution.Status `json:"status"`
	EnqueuedAt int64            `json:"enqueued_at"`
}

// Service implements the submission API.
type Service struct {
	store    ephemeral.Store
	queue    queue.Queue
	repo     *store.ExecutionRepository
	registry *resolver.Registry
	cfg      config.SubmitConfig
	tracer   trace.Tracer
}

// NewService creates a submission service. tracer may be nil.
func NewService(st ephemeral.Store, q queue.Queue, repo *store.ExecutionRepository, registry *resolver.Registry, cfg config.SubmitConfig, tracer trace.Tracer) *Service {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Service{store: st, queue: q, repo: repo, registry: registry, cfg: cfg, tracer: tracer}
}

// Submit accepts one execution request. On return the request is durably
// queued with a PENDING record; nothing has run yet. The request's ID is
// assigned here when empty.
func (s *Service) Submit(ctx context.Context, req execution.Request) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixSubmit+"accept")
	defer span.End()

	if err := s.validate(&req); err != nil {
		return nil, err
	}

	// Resolve the target up front so an unknown target or malformed
	// parameters fail the submission itself, with no record created.
	// The dispatcher re-resolves at dispatch time against the registry
	// as it stands then.
	target, err := s.registry.Resolve(req.Kind, req.Target)
	if err != nil {
		return nil, err
	}
	if _, err := target.Schema.Coerce(req.Parameters); err != nil {
		return nil, &ValidationError{Field: "parameters", Reason: err.Error()}
	}
	span.AddEvent(tracing.EventRequestValidated)

	if !req.ID.IsValid() {
		req.ID = execution.NewID()
	}
	now := time.Now()
	req.EnqueuedAt = now
	req.EnqueuedAtNano = now.UnixNano()

	span.SetAttributes(
		attribute.String(tracing.AttrExecutionID, string(req.ID)),
		attribute.String(tracing.AttrExecutionKind, string(req.Kind)),
		attribute.String(tracing.AttrTarget, req.Target),
		attribute.String(tracing.AttrTenantID, req.Caller.TenantID),
	)

	pendingTTL := time.Duration(s.cfg.PendingTTLSeconds) * time.Second

	if s.cfg.MaxInFlightPerTenant > 0 {
		n, err := s.store.Incr(ctx, execution.QuotaKey(req.Caller.TenantID), pendingTTL)
		if err != nil {
			return nil, fmt.Errorf("checking tenant quota: %w", err)
		}
		if n > int64(s.cfg.MaxInFlightPerTenant) {
			if _, derr := s.store.Decr(ctx, execution.QuotaKey(req.Caller.TenantID)); derr != nil {
				log.ErrorErr(log.CatSubmit, "Quota rollback failed", derr, "tenant", req.Caller.TenantID)
			}
			span.AddEvent(tracing.EventQuotaRejected)
			log.Warn(log.CatSubmit, "Tenant quota exceeded",
				"tenant", req.Caller.TenantID, "in_flight", n, "max", s.cfg.MaxInFlightPerTenant)
			return nil, ErrQuotaExceeded
		}
	}

	// From here on the quota slot is held; release it on any failure.
	fail := func(err error) (*Receipt, error) {
		s.releaseQuota(ctx, req.Caller.TenantID)
		return nil, err
	}

	rec := &execution.Record{
		ID:       req.ID,
		Kind:     req.Kind,
		TargetID: req.Target,
		TenantID: req.Caller.TenantID,
		UserID:   req.Caller.UserID,
		Status:   execution.StatusPending,
	}
	if err := s.repo.Create(rec, now.UnixMilli()); err != nil {
		return fail(fmt.Errorf("creating execution record: %w", err))
	}

	staged, err := json.Marshal(req)
	if err != nil {
		return fail(fmt.Errorf("encoding staged request: %w", err))
	}
	if err := s.store.Set(ctx, execution.PendingKey(req.ID), staged, pendingTTL); err != nil {
		return fail(fmt.Errorf("staging request: %w", err))
	}
	span.AddEvent(tracing.EventRequestStaged)

	if err := s.queue.Enqueue(ctx, execution.QueueMessage{ID: req.ID, Kind: req.Kind}); err != nil {
		return fail(fmt.Errorf("enqueueing execution: %w", err))
	}
	span.AddEvent(tracing.EventMessageQueued)

	log.Info(log.CatSubmit, "Execution accepted",
		"execution", req.ID, "kind", req.Kind, "target", req.Target, "tenant", req.Caller.TenantID, "sync", req.Sync)

	return &Receipt{ID: req.ID, Status: execution.StatusPending, EnqueuedAt: now.UnixMilli()}, nil
}

// releaseQuota undoes the quota hold taken during Submit. The result
// path releases it for requests that made it onto the queue.
func (s *Service) releaseQuota(ctx context.Context, tenantID string) {
	if s.cfg.MaxInFlightPerTenant <= 0 {
		return
	}
	if _, err := s.store.Decr(ctx, execution.QuotaKey(tenantID)); err != nil {
		log.ErrorErr(log.CatSubmit, "Quota release failed", err, "tenant", tenantID)
	}
}

// WaitForResult blocks on the result rendezvous for up to timeout,
// capped by the configured ceiling. timeout = 0 checks the record once
// and returns ErrWaitTimeout if it is not terminal yet.
func (s *Service) WaitForResult(ctx context.Context, id execution.ID, timeout time.Duration) (*execution.Record, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixSubmit+"wait")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrExecutionID, string(id)))

	// The record may already be terminal (fast executions, duplicate
	// waits); check before blocking.
	if rec, err := s.repo.Get(id); err == nil && rec.Status.IsTerminal() {
		return rec, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if timeout <= 0 {
		return nil, ErrWaitTimeout
	}
	ceiling := time.Duration(s.cfg.SyncWaitCeilingSeconds) * time.Second
	if ceiling > 0 && timeout > ceiling {
		timeout = ceiling
	}

	raw, err := s.store.BLPop(ctx, execution.ResultKey(id), timeout)
	if errors.Is(err, ephemeral.ErrNotFound) {
		// The rendezvous may have been consumed by a concurrent waiter
		// after the result path wrote the record; re-check before failing.
		if rec, rerr := s.repo.Get(id); rerr == nil && rec.Status.IsTerminal() {
			return rec, nil
		}
		return nil, ErrWaitTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for result: %w", err)
	}

	var rec execution.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding result record: %w", err)
	}
	span.SetAttributes(attribute.String(tracing.AttrStatus, string(rec.Status)))
	return &rec, nil
}

// Cancel publishes a cancel request. Always accepted: the execution may
// be queued, running, finished, or unknown, and each consumer decides
// what the request means for it.
func (s *Service) Cancel(ctx context.Context, id execution.ID, reason string) error {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixSubmit+"cancel")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrExecutionID, string(id)))

	if !id.IsValid() {
		return &ValidationError{Field: "id", Reason: "is required"}
	}

	raw, err := json.Marshal(execution.CancelRequest{ExecutionID: id, Reason: reason})
	if err != nil {
		return fmt.Errorf("encoding cancel request: %w", err)
	}
	if err := s.store.Publish(ctx, execution.CancelChannel, raw); err != nil {
		return fmt.Errorf("publishing cancel request: %w", err)
	}
	log.Info(log.CatSubmit, "Cancel published", "execution", id, "reason", reason)
	return nil
}

// Status reads the durable record for an execution.
func (s *Service) Status(id execution.ID) (*execution.Record, error) {
	return s.repo.Get(id)
}

func (s *Service) validate(req *execution.Request) error {
	if !req.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a known execution kind", req.Kind)}
	}
	if req.Target == "" {
		return &ValidationError{Field: "target", Reason: "is required"}
	}
	if req.Caller.TenantID == "" {
		return &ValidationError{Field: "caller.tenant_id", Reason: "is required"}
	}
	if req.TimeoutSeconds != nil {
		// An explicit zero is rejected; leaving the field unset selects
		// the target's or the platform default.
		if *req.TimeoutSeconds <= 0 {
			return &ValidationError{Field: "timeout_seconds", Reason: "must be >= 1 when set"}
		}
		if max := s.cfg.MaxTimeoutSeconds; max > 0 && *req.TimeoutSeconds > max {
			return &ValidationError{Field: "timeout_seconds", Reason: fmt.Sprintf("exceeds the platform ceiling of %d", max)}
		}
	}
	return nil
}
