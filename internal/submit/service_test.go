package submit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-run/bifrost/internal/config"
	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/queue"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/store"
)

type submitHarness struct {
	svc   *Service
	store *ephemeral.MemoryStore
	queue *queue.MemoryQueue
	repo  *store.ExecutionRepository
}

func newSubmitHarness(t *testing.T, mutate func(*config.SubmitConfig)) *submitHarness {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "executions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := ephemeral.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	t.Cleanup(func() {
		_ = q.Close()
		_ = st.Close()
	})

	cfg := config.Defaults().Submit
	if mutate != nil {
		mutate(&cfg)
	}

	registry := resolver.NewRegistry()
	t.Cleanup(registry.Close)

	return &submitHarness{
		svc:   NewService(st, q, db.ExecutionRepository(), registry, cfg, nil),
		store: st,
		queue: q,
		repo:  db.ExecutionRepository(),
	}
}

func validRequest() execution.Request {
	return execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.echo",
		Parameters: map[string]any{"message": "hi"},
		Caller:     execution.Caller{TenantID: "acme", UserID: "u1"},
	}
}

func TestSubmit_Accepts(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.True(t, receipt.ID.IsValid())
	require.Equal(t, execution.StatusPending, receipt.Status)
	require.NotZero(t, receipt.EnqueuedAt)

	// Durable record exists and is PENDING.
	rec, err := h.repo.Get(receipt.ID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusPending, rec.Status)
	require.Equal(t, "demo.echo", rec.TargetID)
	require.Equal(t, "acme", rec.TenantID)

	// Staged request is in the ephemeral store.
	raw, err := h.store.Get(ctx, execution.PendingKey(receipt.ID))
	require.NoError(t, err)
	var staged execution.Request
	require.NoError(t, json.Unmarshal(raw, &staged))
	require.Equal(t, receipt.ID, staged.ID)
	require.Equal(t, "hi", staged.Parameters["message"])

	// Minimal message on the queue.
	d, err := h.queue.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, execution.QueueMessage{ID: receipt.ID, Kind: execution.KindTool}, d.Message)
	require.NoError(t, d.Ack(ctx))
}

func TestSubmit_Validation(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*execution.Request)
		field  string
	}{
		{"unknown kind", func(r *execution.Request) { r.Kind = "cron_job" }, "kind"},
		{"empty kind", func(r *execution.Request) { r.Kind = "" }, "kind"},
		{"missing target", func(r *execution.Request) { r.Target = "" }, "target"},
		{"missing tenant", func(r *execution.Request) { r.Caller.TenantID = "" }, "caller.tenant_id"},
		{"negative timeout", func(r *execution.Request) { r.TimeoutSeconds = intp(-1) }, "timeout_seconds"},
		{"zero timeout", func(r *execution.Request) { r.TimeoutSeconds = intp(0) }, "timeout_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := h.svc.Submit(ctx, req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}

	// Nothing was queued by the rejected submissions.
	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func intp(v int) *int { return &v }

func TestSubmit_TimeoutCeiling(t *testing.T) {
	h := newSubmitHarness(t, func(cfg *config.SubmitConfig) {
		cfg.MaxTimeoutSeconds = 600
	})
	ctx := context.Background()

	req := validRequest()
	req.TimeoutSeconds = intp(601)
	_, err := h.svc.Submit(ctx, req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "timeout_seconds", verr.Field)

	req.TimeoutSeconds = intp(600)
	_, err = h.svc.Submit(ctx, req)
	require.NoError(t, err, "a timeout at the ceiling is accepted")

	// Unset means "use the target or platform default", never rejected.
	req = validRequest()
	_, err = h.svc.Submit(ctx, req)
	require.NoError(t, err)
}

func TestSubmit_UnknownTargetRejected(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	req := validRequest()
	req.Target = "demo.missing"
	_, err := h.svc.Submit(ctx, req)
	require.ErrorIs(t, err, resolver.ErrTargetNotFound)

	// No record, no staged request, no queue message, no quota held.
	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = h.store.Get(ctx, execution.QuotaKey("acme"))
	require.ErrorIs(t, err, ephemeral.ErrNotFound)
}

func TestSubmit_MalformedParametersRejected(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	req := validRequest()
	req.Parameters = map[string]any{} // demo.echo requires "message"
	_, err := h.svc.Submit(ctx, req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "parameters", verr.Field)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSubmit_TenantQuota(t *testing.T) {
	h := newSubmitHarness(t, func(cfg *config.SubmitConfig) {
		cfg.MaxInFlightPerTenant = 2
	})
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, validRequest())
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// A different tenant is unaffected.
	other := validRequest()
	other.Caller.TenantID = "globex"
	_, err = h.svc.Submit(ctx, other)
	require.NoError(t, err)

	// Releasing one slot admits the tenant again.
	h.svc.releaseQuota(ctx, "acme")
	_, err = h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
}

func TestWaitForResult_Rendezvous(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)

	// Simulate the result path: push the terminal record onto the
	// rendezvous list.
	terminal := execution.Record{ID: receipt.ID, Status: execution.StatusSuccess, Result: json.RawMessage(`{"ok":true}`)}
	raw, err := json.Marshal(terminal)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.store.RPush(ctx, execution.ResultKey(receipt.ID), raw)
	}()

	rec, err := h.svc.WaitForResult(ctx, receipt.ID, time.Second)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, rec.Status)
	require.JSONEq(t, `{"ok":true}`, string(rec.Result))
}

func TestWaitForResult_AlreadyTerminal(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)

	// Finalize directly; no rendezvous push.
	require.NoError(t, h.repo.Finalize(&execution.Result{
		ExecutionID: receipt.ID,
		Status:      execution.StatusSuccess,
	}, "", time.Now().UnixMilli()))

	rec, err := h.svc.WaitForResult(ctx, receipt.ID, time.Second)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, rec.Status)
}

func TestWaitForResult_ZeroTimeout(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)

	_, err = h.svc.WaitForResult(ctx, receipt.ID, 0)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForResult_Timeout(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)

	_, err = h.svc.WaitForResult(ctx, receipt.ID, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestCancel_Publishes(t *testing.T) {
	h := newSubmitHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := h.store.Subscribe(ctx, execution.CancelChannel)
	require.NoError(t, err)

	id := execution.NewID()
	require.NoError(t, h.svc.Cancel(ctx, id, "operator request"))

	select {
	case msg := <-msgs:
		var req execution.CancelRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))
		require.Equal(t, id, req.ExecutionID)
		require.Equal(t, "operator request", req.Reason)
	case <-time.After(time.Second):
		t.Fatal("cancel request never published")
	}

	// Cancelling an unknown or finished execution is still accepted.
	require.NoError(t, h.svc.Cancel(ctx, execution.NewID(), ""))

	err = h.svc.Cancel(ctx, "", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
