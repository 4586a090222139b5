package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/ktrdr/opscore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *storage.BoltRepository {
	t.Helper()
	repo, err := storage.NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRunSplitsBackendLocalFromWorkerBased(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, operations.Record{
		OperationID: "op_backend", Status: operations.StatusRunning,
		IsBackendLocal: true, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.Create(ctx, operations.Record{
		OperationID: "op_worker", Status: operations.StatusRunning,
		IsBackendLocal: false, WorkerID: "worker-1", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.Create(ctx, operations.Record{
		OperationID: "op_done", Status: operations.StatusCompleted, CreatedAt: time.Now().UTC(),
	}))

	result, err := Run(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, result.BackendOpsFailed)
	assert.Equal(t, 1, result.WorkerOpsReconciled)

	backend, err := repo.Get(ctx, "op_backend")
	require.NoError(t, err)
	assert.Equal(t, operations.StatusFailed, backend.Status)
	assert.Contains(t, backend.ErrorMessage, "Backend restarted")

	worker, err := repo.Get(ctx, "op_worker")
	require.NoError(t, err)
	assert.Equal(t, operations.StatusRunning, worker.Status, "status stays RUNNING, only reconciliation_status changes")
	assert.Equal(t, operations.ReconciliationPending, worker.ReconciliationStatus)
}

func TestRunIsNoopWhenNothingRunning(t *testing.T) {
	repo := newTestRepo(t)
	result, err := Run(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}
