package checkpoint

import (
	"context"
	"testing"

	"github.com/ktrdr/opscore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	state map[string]map[string]any
	err   error
}

func (f *fakeState) OperationState(_ context.Context, operationID string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.state[operationID], nil
}

func newTestService(t *testing.T, state *fakeState) *Service {
	t.Helper()
	repo, err := storage.NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return NewService(repo, state)
}

func TestSavePersistsStateAndIncrementsSequence(t *testing.T) {
	state := &fakeState{state: map[string]map[string]any{"op_1": {"epoch": 10.0}}}
	svc := newTestService(t, state)

	ok, err := svc.Save(context.Background(), "op_1", TypeTimer, map[string]string{"interval": "300"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Save(context.Background(), "op_1", TypeForce, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := svc.List(context.Background(), "op_1")
	require.NoError(t, err)
	require.Len(t, all, 1, "only the latest checkpoint is retained per operation")
	assert.Equal(t, 2, all[0].Sequence)
	assert.Equal(t, string(TypeForce), all[0].Type)

	latest, err := svc.Latest(context.Background(), "op_1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Sequence)
	assert.Contains(t, latest.Metadata, "created_at")
}

func TestSaveReturnsFalseWhenNoStateAvailable(t *testing.T) {
	state := &fakeState{state: map[string]map[string]any{}}
	svc := newTestService(t, state)

	ok, err := svc.Save(context.Background(), "op_missing", TypeCancellation, map[string]string{"reason": "user"})
	require.NoError(t, err)
	assert.False(t, ok)

	latest, err := svc.Latest(context.Background(), "op_missing")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestLatestReturnsNilWhenNoCheckpointsExist(t *testing.T) {
	svc := newTestService(t, &fakeState{state: map[string]map[string]any{}})
	latest, err := svc.Latest(context.Background(), "op_never_checkpointed")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
