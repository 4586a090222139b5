package operations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepository is an in-memory Repository stand-in for unit tests, not a
// production implementation (see pkg/storage.BoltRepository for that).
type memRepository struct {
	mu      sync.Mutex
	records map[Id]Record
}

func newMemRepository() *memRepository {
	return &memRepository{records: make(map[Id]Record)}
}

func (r *memRepository) Create(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.OperationID]; exists {
		return ErrDuplicateID
	}
	r.records[rec.OperationID] = rec
	return nil
}

func (r *memRepository) Get(_ context.Context, id Id) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *memRepository) Update(_ context.Context, id Id, fields UpdateFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	if fields.Status != nil {
		rec.Status = *fields.Status
	}
	if fields.StartedAt != nil {
		rec.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		rec.CompletedAt = fields.CompletedAt
	}
	if fields.ProgressPercent != nil {
		rec.ProgressPercent = *fields.ProgressPercent
	}
	if fields.ErrorMessage != nil {
		rec.ErrorMessage = *fields.ErrorMessage
	}
	if fields.ReconciliationStatus != nil {
		rec.ReconciliationStatus = *fields.ReconciliationStatus
	}
	if fields.ResultJSON != nil {
		rec.ResultJSON = fields.ResultJSON
	}
	r.records[id] = rec
	return nil
}

func (r *memRepository) List(_ context.Context, filter RecordFilter) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Type != "" && rec.OperationType != filter.Type {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *memRepository) Delete(_ context.Context, id Id) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return false, nil
	}
	delete(r.records, id)
	return true, nil
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	_, err := svc.Create(ctx, TypeTraining, Metadata{}, "op_training_fixed")
	require.NoError(t, err)

	_, err = svc.Create(ctx, TypeTraining, Metadata{}, "op_training_fixed")
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestLifecycleTransitions(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	info, err := svc.Create(ctx, TypeBacktesting, Metadata{Symbol: "AAPL"}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)

	_, cancel := context.WithCancel(ctx)
	require.NoError(t, svc.Start(ctx, info.ID, cancel, nil))

	running, err := svc.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	svc.UpdateProgress(info.ID, Progress{Percentage: 50})
	mid, err := svc.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, mid.Progress.Percentage)

	require.NoError(t, svc.Complete(ctx, info.ID, map[string]any{"rows": 10}))
	done, err := svc.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.Progress.Percentage)
}

func TestCancelRejectsTerminalOperation(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	info, err := svc.Create(ctx, TypeDataLoad, Metadata{}, "")
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, info.ID, "boom", false))

	_, err = svc.Cancel(ctx, info.ID, "too late")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	info, err := svc.Create(ctx, TypeTraining, Metadata{}, "")
	require.NoError(t, err)

	_, err = svc.Retry(ctx, info.ID)
	assert.ErrorIs(t, err, ErrRetryNotFailed)

	require.NoError(t, svc.Fail(ctx, info.ID, "boom", false))
	retried, err := svc.Retry(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.NotEqual(t, info.ID, retried.ID)
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, TypeTraining, Metadata{}, "")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := svc.Create(ctx, TypeDataLoad, Metadata{}, "")
	require.NoError(t, err)

	page, total, active := svc.List(ListFilter{Type: TypeTraining, Limit: 2})
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)
	assert.Equal(t, 4, active)
}

func TestCreateRejectsParentThatIsNotAgentSession(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	notASession, err := svc.Create(ctx, TypeTraining, Metadata{}, "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, TypeAgentDesign, Metadata{Parameters: map[string]any{
		"parent_id": string(notASession.ID),
	}}, "")
	assert.ErrorIs(t, err, ErrInvalidParent)

	_, err = svc.Create(ctx, TypeAgentDesign, Metadata{Parameters: map[string]any{
		"parent_id": "op_agent_session_does_not_exist",
	}}, "")
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestGetAggregatedProgressDesignCompleteTrainingRunning(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	parent, err := svc.Create(ctx, TypeAgentSession, Metadata{}, "")
	require.NoError(t, err)

	design, err := svc.Create(ctx, TypeAgentDesign, Metadata{Parameters: map[string]any{
		"parent_id": string(parent.ID),
	}}, "")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, design.ID, nil))

	training, err := svc.Create(ctx, TypeTraining, Metadata{Parameters: map[string]any{
		"parent_id": string(parent.ID),
	}}, "")
	require.NoError(t, err)
	svc.UpdateProgress(training.ID, Progress{Percentage: 40})

	pct, label := svc.GetAggregatedProgress(parent.ID)
	assert.InDelta(t, 35.0, pct, 0.001)
	assert.Contains(t, label, "Training")

	kids := svc.Children(parent.ID)
	require.Len(t, kids, 2)
	assert.Equal(t, design.ID, kids[0].ID)
	assert.Equal(t, training.ID, kids[1].ID)
}

func TestFailWithFailParentCascadesToParent(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	parent, err := svc.Create(ctx, TypeAgentSession, Metadata{}, "")
	require.NoError(t, err)
	training, err := svc.Create(ctx, TypeTraining, Metadata{Parameters: map[string]any{
		"parent_id": string(parent.ID),
	}}, "")
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, training.ID, "gpu died", true))

	updatedParent, err := svc.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updatedParent.Status)
	assert.Contains(t, updatedParent.ErrorMessage, string(training.ID))
}

func TestCancelCascadesToNonTerminalChildrenOnly(t *testing.T) {
	svc := NewService(newMemRepository())
	ctx := context.Background()

	parent, err := svc.Create(ctx, TypeAgentSession, Metadata{}, "")
	require.NoError(t, err)

	done, err := svc.Create(ctx, TypeAgentDesign, Metadata{Parameters: map[string]any{
		"parent_id": string(parent.ID),
	}}, "")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, done.ID, nil))

	pending, err := svc.Create(ctx, TypeTraining, Metadata{Parameters: map[string]any{
		"parent_id": string(parent.ID),
	}}, "")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, parent.ID, "user requested shutdown")
	require.NoError(t, err)

	stillDone, err := svc.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stillDone.Status, "already terminal children must be untouched")

	cancelledChild, err := svc.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelledChild.Status)
}
