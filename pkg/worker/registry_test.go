package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	claimCalls     []string
	completedCalls []CompletedOperation
}

func (f *fakeReconciler) ReconcileClaimed(operationID, workerID string) {
	f.claimCalls = append(f.claimCalls, operationID+"/"+workerID)
}

func (f *fakeReconciler) ReconcileCompleted(operationID, workerID, status, errorMessage string, result map[string]any) {
	f.completedCalls = append(f.completedCalls, CompletedOperation{
		OperationID: operationID, Status: status, ErrorMessage: errorMessage, Result: result,
	})
}

func TestMarkBusyNotifiesReconcilerWithClaim(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	rec := &fakeReconciler{}
	r.SetOperationsService(rec)

	r.Register("worker-1", "training", "http://example.invalid", nil)
	require.NoError(t, r.MarkBusy("worker-1", "op_training_123"))

	require.Len(t, rec.claimCalls, 1)
	assert.Equal(t, "op_training_123/worker-1", rec.claimCalls[0])
}

func TestRegisterReconcilesCompletedOperations(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	rec := &fakeReconciler{}
	r.SetOperationsService(rec)

	r.Register("worker-1", "training", "http://example.invalid", []CompletedOperation{
		{OperationID: "op_a", Status: "completed"},
		{OperationID: "op_b", Status: "failed", ErrorMessage: "gpu died"},
	})

	require.Len(t, rec.completedCalls, 2)
	assert.Equal(t, "op_a", rec.completedCalls[0].OperationID)
	assert.Equal(t, "failed", rec.completedCalls[1].Status)
	assert.Equal(t, "gpu died", rec.completedCalls[1].ErrorMessage)
}

func TestMarkIdleClearsCurrentClaim(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	r.Register("worker-1", "training", "http://example.invalid", nil)
	require.NoError(t, r.MarkBusy("worker-1", "op_a"))
	require.NoError(t, r.MarkIdle("worker-1"))

	claimed := r.ClaimedOperationIDs()
	assert.Len(t, claimed, 0)
}

func TestMarkBusyRequiresRegistration(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	assert.Error(t, r.MarkBusy("ghost", "op_a"))
}

func TestHeartbeatRequiresRegistration(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	err := r.Heartbeat("ghost", "")
	assert.Error(t, err)
}

func TestClaimedOperationIDsReflectsCurrentClaims(t *testing.T) {
	r := NewRegistry(time.Minute, 3)
	r.Register("worker-1", "training", "http://example.invalid", nil)
	r.Register("worker-2", "training", "http://example.invalid", nil)
	require.NoError(t, r.MarkBusy("worker-1", "op_a"))

	claimed := r.ClaimedOperationIDs()
	assert.True(t, claimed["op_a"])
	assert.Len(t, claimed, 1)
}

func TestEvictionAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRegistry(10*time.Millisecond, 2)
	r.Register("worker-1", "training", srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	assert.Eventually(t, func() bool {
		return len(r.ListWorkers()) == 0
	}, time.Second, 10*time.Millisecond, "unhealthy worker should be evicted")
}
