package result

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/progress"
	"github.com/bifrost-run/bifrost/internal/store"
)

type resultHarness struct {
	path      *Path
	store     *ephemeral.MemoryStore
	repo      *store.ExecutionRepository
	publisher *progress.Publisher
	logsDir   string
}

func newResultHarness(t *testing.T, cfg Config) *resultHarness {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "executions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := ephemeral.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	publisher := progress.NewPublisher(st)
	logsDir := t.TempDir()
	if cfg.RendezvousTTL == 0 {
		cfg.RendezvousTTL = time.Minute
	}

	return &resultHarness{
		path:      NewPath(st, db.ExecutionRepository(), publisher, NewFileSink(logsDir), cfg, nil),
		store:     st,
		repo:      db.ExecutionRepository(),
		publisher: publisher,
		logsDir:   logsDir,
	}
}

// seedRunning creates a RUNNING record plus the staged keys the
// dispatcher would have written.
func (h *resultHarness) seedRunning(t *testing.T, id execution.ID, sync bool) {
	t.Helper()
	ctx := context.Background()

	rec := &execution.Record{
		ID: id, Kind: execution.KindTool, TargetID: "demo.echo",
		TenantID: "acme", UserID: "u1", Status: execution.StatusPending,
	}
	_, err := h.repo.UpsertRunning(rec, time.Now().UnixMilli())
	require.NoError(t, err)

	staged, err := json.Marshal(execution.Request{
		ID: id, Kind: execution.KindTool, Target: "demo.echo",
		Caller: execution.Caller{TenantID: "acme"}, Sync: sync,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, execution.PendingKey(id), staged, 0))

	ectx, err := json.Marshal(execution.Context{ID: id, Kind: execution.KindTool, Target: "demo.echo", Sync: sync})
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, execution.ContextKey(id), ectx, 0))
}

func TestComplete_FinalizesAndCleansUp(t *testing.T) {
	h := newResultHarness(t, Config{})
	ctx := context.Background()
	id := execution.NewID()
	h.seedRunning(t, id, false)

	require.NoError(t, h.path.Complete(ctx, &execution.Result{
		ExecutionID: id,
		Status:      execution.StatusSuccess,
		Result:      json.RawMessage(`{"answer":42}`),
		Usage:       execution.ResourceUsage{DurationMS: 12},
	}))

	rec, err := h.repo.Get(id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, rec.Status)
	require.JSONEq(t, `{"answer":42}`, string(rec.Result))
	require.NotZero(t, rec.FinishedAt)
	require.Equal(t, int64(12), rec.Usage.DurationMS)

	// Per-execution keys are gone.
	for _, key := range []string{execution.PendingKey(id), execution.ContextKey(id), execution.LogsKey(id)} {
		_, err := h.store.Get(ctx, key)
		require.ErrorIs(t, err, ephemeral.ErrNotFound, key)
	}
}

func TestComplete_FlushesLogs(t *testing.T) {
	h := newResultHarness(t, Config{})
	ctx := context.Background()
	id := execution.NewID()
	h.seedRunning(t, id, false)

	require.NoError(t, h.store.RPush(ctx, execution.LogsKey(id), []byte(`{"message":"step one"}`)))
	require.NoError(t, h.store.RPush(ctx, execution.LogsKey(id), []byte(`{"message":"step two"}`)))

	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusSuccess}))

	rec, err := h.repo.Get(id)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rec.LogsRef, "file://"), "logs_ref: %q", rec.LogsRef)

	data, err := os.ReadFile(strings.TrimPrefix(rec.LogsRef, "file://"))
	require.NoError(t, err)
	require.Contains(t, string(data), "step one")
	require.Contains(t, string(data), "step two")
}

func TestComplete_SyncRendezvous(t *testing.T) {
	h := newResultHarness(t, Config{})
	ctx := context.Background()
	id := execution.NewID()
	h.seedRunning(t, id, true)

	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusSuccess}))

	raw, err := h.store.BLPop(ctx, execution.ResultKey(id), 100*time.Millisecond)
	require.NoError(t, err)
	var rec execution.Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.Equal(t, id, rec.ID)
	require.Equal(t, execution.StatusSuccess, rec.Status)
}

func TestComplete_AsyncSkipsRendezvous(t *testing.T) {
	h := newResultHarness(t, Config{})
	ctx := context.Background()
	id := execution.NewID()
	h.seedRunning(t, id, false)

	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusSuccess}))

	_, err := h.store.BLPop(ctx, execution.ResultKey(id), 50*time.Millisecond)
	require.ErrorIs(t, err, ephemeral.ErrNotFound)
}

func TestComplete_PublishesCompletion(t *testing.T) {
	h := newResultHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := execution.NewID()
	h.seedRunning(t, id, false)

	events, err := progress.Subscribe(ctx, h.store, id)
	require.NoError(t, err)

	require.NoError(t, h.path.Complete(ctx, &execution.Result{
		ExecutionID:  id,
		Status:       execution.StatusFailed,
		ErrorKind:    execution.ErrorUserError,
		ErrorMessage: "boom",
	}))

	select {
	case ev := <-events:
		require.Equal(t, execution.ProgressState, ev.Kind)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		require.Equal(t, string(execution.StatusFailed), payload["status"])
		require.Equal(t, string(execution.ErrorUserError), payload["error_kind"])
	case <-time.After(time.Second):
		t.Fatal("completion event never arrived")
	}
}

func TestComplete_DuplicateIsWriteOnce(t *testing.T) {
	h := newResultHarness(t, Config{})
	ctx := context.Background()
	id := execution.NewID()
	h.seedRunning(t, id, true)

	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusTimeout, ErrorKind: execution.ErrorTimeout}))
	// Late worker result loses and must not disturb the record or feed
	// the rendezvous again.
	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusSuccess}))

	rec, err := h.repo.Get(id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusTimeout, rec.Status)

	// Exactly one rendezvous entry.
	_, err = h.store.BLPop(ctx, execution.ResultKey(id), 50*time.Millisecond)
	require.NoError(t, err)
	_, err = h.store.BLPop(ctx, execution.ResultKey(id), 50*time.Millisecond)
	require.ErrorIs(t, err, ephemeral.ErrNotFound)
}

func TestComplete_ReleasesQuotaOnce(t *testing.T) {
	h := newResultHarness(t, Config{ReleaseQuota: true})
	ctx := context.Background()
	id := execution.NewID()
	h.seedRunning(t, id, false)

	// Two in-flight executions for the tenant.
	_, err := h.store.Incr(ctx, execution.QuotaKey("acme"), 0)
	require.NoError(t, err)
	_, err = h.store.Incr(ctx, execution.QuotaKey("acme"), 0)
	require.NoError(t, err)

	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusSuccess}))
	require.NoError(t, h.path.Complete(ctx, &execution.Result{ExecutionID: id, Status: execution.StatusSuccess}))

	n, err := h.store.Incr(ctx, execution.QuotaKey("acme"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), n, "quota must be released exactly once")
}

func TestComplete_UnknownRecord(t *testing.T) {
	h := newResultHarness(t, Config{})
	// No record, no staged keys; the path logs and cleans up without
	// erroring.
	require.NoError(t, h.path.Complete(context.Background(), &execution.Result{
		ExecutionID: execution.NewID(),
		Status:      execution.StatusFailed,
		ErrorKind:   execution.ErrorWorkerCrashed,
	}))
}

func TestFileSink_Flush(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	sink := NewFileSink(dir)

	id := execution.NewID()
	ref, err := sink.Flush(id, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, string(id)+".log"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(data))
}
