package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-run/bifrost/internal/execution"
)

func newTestRepo(t *testing.T) *ExecutionRepository {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.ExecutionRepository()
}

func pendingRecord(id execution.ID) *execution.Record {
	return &execution.Record{
		ID:       id,
		Kind:     execution.KindWorkflow,
		TargetID: "wf.demo",
		TenantID: "t1",
		UserID:   "u1",
		Status:   execution.StatusPending,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	id := execution.NewID()

	require.NoError(t, repo.Create(pendingRecord(id), time.Now().UnixMilli()))

	got, err := repo.Get(id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, execution.StatusPending, got.Status)
	require.Equal(t, "wf.demo", got.TargetID)
	require.Zero(t, got.StartedAt)
	require.Zero(t, got.FinishedAt)
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get("no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_UpsertRunning_FromPending(t *testing.T) {
	repo := newTestRepo(t)
	id := execution.NewID()
	rec := pendingRecord(id)
	require.NoError(t, repo.Create(rec, time.Now().UnixMilli()))

	startedAt := time.Now().UnixMilli()
	prior, err := repo.UpsertRunning(rec, startedAt)
	require.NoError(t, err)
	require.Equal(t, execution.StatusPending, prior)

	got, err := repo.Get(id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusRunning, got.Status)
	require.Equal(t, startedAt, got.StartedAt)
}

func TestRepository_UpsertRunning_MissingRecord(t *testing.T) {
	repo := newTestRepo(t)
	rec := pendingRecord(execution.NewID())

	prior, err := repo.UpsertRunning(rec, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Empty(t, prior)

	got, err := repo.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusRunning, got.Status)
}

func TestRepository_UpsertRunning_PreservesStartedAt(t *testing.T) {
	repo := newTestRepo(t)
	rec := pendingRecord(execution.NewID())
	require.NoError(t, repo.Create(rec, time.Now().UnixMilli()))

	first := int64(1000)
	_, err := repo.UpsertRunning(rec, first)
	require.NoError(t, err)

	// Duplicate delivery: started_at must not move.
	_, err = repo.UpsertRunning(rec, first+5000)
	require.NoError(t, err)

	got, err := repo.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, first, got.StartedAt)
}

func TestRepository_UpsertRunning_TerminalUntouched(t *testing.T) {
	repo := newTestRepo(t)
	rec := pendingRecord(execution.NewID())
	require.NoError(t, repo.Create(rec, time.Now().UnixMilli()))

	res := &execution.Result{
		ExecutionID: rec.ID,
		Status:      execution.StatusCancelled,
		ErrorKind:   execution.ErrorCancelled,
	}
	require.NoError(t, repo.Finalize(res, "", time.Now().UnixMilli()))

	prior, err := repo.UpsertRunning(rec, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Equal(t, execution.StatusCancelled, prior)

	got, err := repo.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCancelled, got.Status, "terminal record must not be reopened")
}

func TestRepository_Finalize_Success(t *testing.T) {
	repo := newTestRepo(t)
	rec := pendingRecord(execution.NewID())
	require.NoError(t, repo.Create(rec, time.Now().UnixMilli()))
	_, err := repo.UpsertRunning(rec, time.Now().UnixMilli())
	require.NoError(t, err)

	res := &execution.Result{
		ExecutionID: rec.ID,
		Status:      execution.StatusSuccess,
		Result:      json.RawMessage(`{"answer":42}`),
		Usage: execution.ResourceUsage{
			DurationMS:   1500,
			Integrations: []string{"slack"},
		},
	}
	finishedAt := time.Now().UnixMilli()
	require.NoError(t, repo.Finalize(res, "/logs/x.log", finishedAt))

	got, err := repo.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, got.Status)
	require.JSONEq(t, `{"answer":42}`, string(got.Result))
	require.Equal(t, finishedAt, got.FinishedAt)
	require.Equal(t, "/logs/x.log", got.LogsRef)
	require.Equal(t, int64(1500), got.Usage.DurationMS)
	require.Equal(t, []string{"slack"}, got.Usage.Integrations)
}

func TestRepository_Finalize_WriteOnce(t *testing.T) {
	repo := newTestRepo(t)
	rec := pendingRecord(execution.NewID())
	require.NoError(t, repo.Create(rec, time.Now().UnixMilli()))

	timeout := &execution.Result{
		ExecutionID:  rec.ID,
		Status:       execution.StatusTimeout,
		ErrorKind:    execution.ErrorTimeout,
		ErrorMessage: "execution exceeded 300s",
	}
	require.NoError(t, repo.Finalize(timeout, "", time.Now().UnixMilli()))

	// A late worker result must lose the race.
	late := &execution.Result{
		ExecutionID: rec.ID,
		Status:      execution.StatusSuccess,
		Result:      json.RawMessage(`{}`),
	}
	err := repo.Finalize(late, "", time.Now().UnixMilli())
	require.ErrorIs(t, err, ErrAlreadyTerminal)

	got, err := repo.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusTimeout, got.Status)
	require.Equal(t, execution.ErrorTimeout, got.ErrorKind)
}

func TestRepository_Finalize_Missing(t *testing.T) {
	repo := newTestRepo(t)
	res := &execution.Result{ExecutionID: "ghost", Status: execution.StatusFailed}
	err := repo.Finalize(res, "", time.Now().UnixMilli())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepo(t)

	for i, tenant := range []string{"t1", "t1", "t2"} {
		rec := pendingRecord(execution.NewID())
		rec.TenantID = tenant
		require.NoError(t, repo.Create(rec, int64(1000+i)))
	}

	all, err := repo.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	t1, err := repo.List(ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, t1, 2)

	limited, err := repo.List(ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	pending, err := repo.List(ListFilter{Status: execution.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)
}
