package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *BoltRepository {
	t.Helper()
	repo, err := NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCreateGetRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := operations.Record{
		OperationID:   "op_training_20260101_000000_abcd1234",
		OperationType: operations.TypeTraining,
		Status:        operations.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.Get(ctx, rec.OperationID)
	require.NoError(t, err)
	assert.Equal(t, rec.OperationID, got.OperationID)
	assert.Equal(t, operations.StatusPending, got.Status)
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := operations.Record{OperationID: "op_dup", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, rec))

	err := repo.Create(ctx, rec)
	assert.ErrorIs(t, err, operations.ErrDuplicateID)
}

func TestUpdateOnlyTouchesWhitelistedFields(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := operations.Record{
		OperationID:     "op_update",
		OperationType:   operations.TypeBacktesting,
		Status:          operations.StatusPending,
		ProgressMessage: "queued",
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, rec))

	status := operations.StatusRunning
	require.NoError(t, repo.Update(ctx, rec.OperationID, operations.UpdateFields{Status: &status}))

	got, err := repo.Get(ctx, rec.OperationID)
	require.NoError(t, err)
	assert.Equal(t, operations.StatusRunning, got.Status)
	assert.Equal(t, "queued", got.ProgressMessage, "untouched field must survive a partial update")
}

func TestListFiltersByStatusAndType(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, operations.Record{
		OperationID: "op_a", OperationType: operations.TypeTraining,
		Status: operations.StatusRunning, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.Create(ctx, operations.Record{
		OperationID: "op_b", OperationType: operations.TypeDataLoad,
		Status: operations.StatusRunning, CreatedAt: time.Now().UTC(),
	}))

	running, err := repo.List(ctx, operations.RecordFilter{Status: operations.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	training, err := repo.List(ctx, operations.RecordFilter{Type: operations.TypeTraining})
	require.NoError(t, err)
	assert.Len(t, training, 1)
	assert.Equal(t, operations.Id("op_a"), training[0].OperationID)
}

func TestDeleteReportsExistence(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	existed, err := repo.Delete(ctx, "op_missing")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, repo.Create(ctx, operations.Record{OperationID: "op_present", CreatedAt: time.Now().UTC()}))
	existed, err = repo.Delete(ctx, "op_present")
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestCheckpointRoundTripReturnsLatest(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.SaveCheckpoint(ctx, CheckpointRecord{
			OperationID: "op_ckpt",
			Sequence:    i,
			Type:        "timer",
			Payload:     []byte{byte(i)},
		}))
	}

	latest, err := repo.LatestCheckpoint(ctx, "op_ckpt")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.Sequence)

	all, err := repo.ListCheckpoints(ctx, "op_ckpt")
	require.NoError(t, err)
	assert.Len(t, all, 1, "only the latest checkpoint survives an overwrite")
}
