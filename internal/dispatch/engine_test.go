package dispatch

// Full-path tests: submission through queue, dispatch, a real worker
// runtime, and the result path, all in one process. The workers are
// in-process runtimes, the same mode the scheduler uses on the
// in-memory backend.

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-run/bifrost/internal/config"
	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/pool"
	"github.com/bifrost-run/bifrost/internal/progress"
	"github.com/bifrost-run/bifrost/internal/queue"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/result"
	"github.com/bifrost-run/bifrost/internal/store"
	"github.com/bifrost-run/bifrost/internal/submit"
	"github.com/bifrost-run/bifrost/internal/worker"
)

type engineHarness struct {
	store *ephemeral.MemoryStore
	repo  *store.ExecutionRepository
	svc   *submit.Service
}

type engineOptions struct {
	defaultTimeout time.Duration
	submitCfg      func(*config.SubmitConfig)
}

func newEngineHarness(t *testing.T, opts engineOptions) *engineHarness {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "executions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := db.ExecutionRepository()

	st := ephemeral.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	registry := resolver.NewRegistry()
	t.Cleanup(func() {
		registry.Close()
		_ = q.Close()
		_ = st.Close()
	})

	submitCfg := config.Defaults().Submit
	if opts.submitCfg != nil {
		opts.submitCfg(&submitCfg)
	}

	publisher := progress.NewPublisher(st)
	path := result.NewPath(st, repo, publisher, result.NewFileSink(t.TempDir()), result.Config{
		RendezvousTTL: time.Minute,
		ReleaseQuota:  submitCfg.MaxInFlightPerTenant > 0,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())

	manager := pool.NewManager(pool.Config{
		WorkerID: "engine-test",
		Spawner: func() (pool.ChildProcess, error) {
			return worker.StartInProcess(st, registry), nil
		},
		Store:             st,
		Publisher:         publisher,
		Registry:          registry,
		MinWorkers:        1,
		MaxWorkers:        2,
		ExecutionTimeout:  30 * time.Second,
		GracefulShutdown:  200 * time.Millisecond,
		HeartbeatInterval: time.Second,
		RegistrationTTL:   5 * time.Second,
		TickInterval:      10 * time.Millisecond,
		Alive:             func(int) bool { return true },
		Results: func(res *execution.Result) {
			if err := path.Complete(ctx, res); err != nil {
				log.ErrorErr(log.CatResult, "Result completion failed", err, "execution", res.ExecutionID)
			}
		},
	})
	require.NoError(t, manager.Start(ctx))

	defaultTimeout := opts.defaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	d := NewDispatcher(q, st, repo, registry, manager, path, Config{
		DequeueTimeout: 50 * time.Millisecond,
		DefaultTimeout: defaultTimeout,
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, nil)
	go func() { _ = d.Run(ctx) }()

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = manager.Stop(stopCtx)
		cancel()
	})

	return &engineHarness{
		store: st,
		repo:  repo,
		svc:   submit.NewService(st, q, repo, registry, submitCfg, nil),
	}
}

func (h *engineHarness) waitTerminal(t *testing.T, id execution.ID) *execution.Record {
	t.Helper()
	var rec *execution.Record
	require.Eventually(t, func() bool {
		r, err := h.repo.Get(id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "execution never finished")
	return rec
}

func TestEngine_AsyncEcho(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.echo",
		Parameters: map[string]any{"message": "over the rainbow"},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)
	require.Equal(t, execution.StatusPending, receipt.Status)

	rec := h.waitTerminal(t, receipt.ID)
	require.Equal(t, execution.StatusSuccess, rec.Status)
	require.JSONEq(t, `{"message":"over the rainbow"}`, string(rec.Result))
	require.NotEmpty(t, rec.LogsRef, "echo logs a line, so the record carries a logs_ref")

	// Per-execution keys are gone once the result path ran.
	for _, key := range []string{execution.PendingKey(rec.ID), execution.ContextKey(rec.ID), execution.LogsKey(rec.ID)} {
		_, err := h.store.Get(ctx, key)
		require.ErrorIs(t, err, ephemeral.ErrNotFound, key)
	}
}

func TestEngine_SyncRendezvous(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.echo",
		Parameters: map[string]any{"message": "hi"},
		Caller:     execution.Caller{TenantID: "acme"},
		Sync:       true,
	})
	require.NoError(t, err)

	rec, err := h.svc.WaitForResult(ctx, receipt.ID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, rec.Status)
	require.JSONEq(t, `{"message":"hi"}`, string(rec.Result))
}

func TestEngine_UserError(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})

	receipt, err := h.svc.Submit(context.Background(), execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.fail",
		Parameters: map[string]any{"message": "bad input"},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)

	rec := h.waitTerminal(t, receipt.ID)
	require.Equal(t, execution.StatusFailed, rec.Status)
	require.Equal(t, execution.ErrorUserError, rec.ErrorKind)
	require.Equal(t, "bad input", rec.ErrorMessage)
}

func TestEngine_PartialFailure(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})

	receipt, err := h.svc.Submit(context.Background(), execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.partial",
		Parameters: map[string]any{"errors": 1},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)

	rec := h.waitTerminal(t, receipt.ID)
	require.Equal(t, execution.StatusCompletedWithErrors, rec.Status)
	require.Equal(t, execution.ErrorUserError, rec.ErrorKind)
	require.Contains(t, rec.ErrorMessage, "step 1 failed")
	require.JSONEq(t, `{"success":false,"errors":["step 1 failed"]}`, string(rec.Result))
}

func TestEngine_PanicFailsExecution(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})

	receipt, err := h.svc.Submit(context.Background(), execution.Request{
		Kind:   execution.KindTool,
		Target: "demo.panic",
		Caller: execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)

	rec := h.waitTerminal(t, receipt.ID)
	require.Equal(t, execution.StatusFailed, rec.Status)
	require.Contains(t, rec.ErrorMessage, "panic")
}

func TestEngine_Timeout(t *testing.T) {
	h := newEngineHarness(t, engineOptions{defaultTimeout: 300 * time.Millisecond})

	receipt, err := h.svc.Submit(context.Background(), execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.sleep",
		Parameters: map[string]any{"seconds": 30},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)

	rec := h.waitTerminal(t, receipt.ID)
	require.Equal(t, execution.StatusTimeout, rec.Status)
	require.Equal(t, execution.ErrorTimeout, rec.ErrorKind)
}

func TestEngine_CancelRunning(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})
	ctx := context.Background()

	receipt, err := h.svc.Submit(ctx, execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.sleep",
		Parameters: map[string]any{"seconds": 30},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := h.repo.Get(receipt.ID)
		return err == nil && rec.Status == execution.StatusRunning
	}, 5*time.Second, 10*time.Millisecond, "execution never started")

	require.NoError(t, h.svc.Cancel(ctx, receipt.ID, "operator request"))

	rec := h.waitTerminal(t, receipt.ID)
	require.Equal(t, execution.StatusCancelled, rec.Status)
	require.Equal(t, execution.ErrorCancelled, rec.ErrorKind)
	require.Contains(t, rec.ErrorMessage, "operator request")
}

func TestEngine_ProgressStream(t *testing.T) {
	h := newEngineHarness(t, engineOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := execution.NewID()
	events, err := progress.Subscribe(ctx, h.store, id)
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, execution.Request{
		ID:         id,
		Kind:       execution.KindWorkflow,
		Target:     "demo.pipeline",
		Parameters: map[string]any{"seconds": 0.2, "phases": 2},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)

	var phases int
	var sawState bool
	deadline := time.After(5 * time.Second)
	for !sawState {
		select {
		case ev := <-events:
			switch ev.Kind {
			case execution.ProgressPhase:
				phases++
			case execution.ProgressState:
				sawState = true
			}
		case <-deadline:
			t.Fatal("progress stream never reached the terminal state event")
		}
	}
	require.Equal(t, 2, phases)

	rec := h.waitTerminal(t, id)
	require.Equal(t, execution.StatusSuccess, rec.Status)
}

func TestEngine_QuotaReleasedAfterCompletion(t *testing.T) {
	h := newEngineHarness(t, engineOptions{
		submitCfg: func(c *config.SubmitConfig) { c.MaxInFlightPerTenant = 1 },
	})
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.echo",
		Parameters: map[string]any{"message": "one"},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)
	h.waitTerminal(t, first.ID)

	// The quota slot came back when the first execution finished.
	second, err := h.svc.Submit(ctx, execution.Request{
		Kind:       execution.KindTool,
		Target:     "demo.echo",
		Parameters: map[string]any{"message": "two"},
		Caller:     execution.Caller{TenantID: "acme"},
	})
	require.NoError(t, err)
	h.waitTerminal(t, second.ID)
}
