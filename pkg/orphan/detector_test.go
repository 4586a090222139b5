package orphan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOps struct {
	mu     sync.Mutex
	infos  []operations.Info
	failed []operations.Id
}

func (s *stubOps) List(filter operations.ListFilter) ([]operations.Info, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []operations.Info
	for _, i := range s.infos {
		if filter.Status != "" && i.Status != filter.Status {
			continue
		}
		out = append(out, i)
	}
	return out, len(out), len(out)
}

func (s *stubOps) Fail(_ context.Context, id operations.Id, _ string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	for i := range s.infos {
		if s.infos[i].ID == id {
			s.infos[i].Status = operations.StatusFailed
		}
	}
	return nil
}

type stubClaims struct {
	claimed map[string]bool
}

func (s *stubClaims) ClaimedOperationIDs() map[string]bool { return s.claimed }

func TestUnclaimedOperationBecomesOrphanAfterTimeout(t *testing.T) {
	ops := &stubOps{infos: []operations.Info{{ID: "op_1", Status: operations.StatusRunning}}}
	claims := &stubClaims{claimed: map[string]bool{}}

	d := NewDetector(ops, claims, Config{OrphanTimeout: 20 * time.Millisecond, CheckInterval: 5 * time.Millisecond})

	d.checkForOrphans(context.Background())
	assert.Empty(t, ops.failed, "first sighting should not immediately fail")

	time.Sleep(25 * time.Millisecond)
	d.checkForOrphans(context.Background())
	require.Len(t, ops.failed, 1)
	assert.Equal(t, operations.Id("op_1"), ops.failed[0])
}

func TestClaimedOperationIsNeverMarkedOrphan(t *testing.T) {
	ops := &stubOps{infos: []operations.Info{{ID: "op_2", Status: operations.StatusRunning}}}
	claims := &stubClaims{claimed: map[string]bool{"op_2": true}}

	d := NewDetector(ops, claims, Config{OrphanTimeout: time.Millisecond, CheckInterval: time.Millisecond})
	d.checkForOrphans(context.Background())
	time.Sleep(5 * time.Millisecond)
	d.checkForOrphans(context.Background())

	assert.Empty(t, ops.failed)
}

func TestBackendLocalOperationIsSkipped(t *testing.T) {
	ops := &stubOps{infos: []operations.Info{{ID: "op_3", Status: operations.StatusRunning, IsBackendLocal: true}}}
	claims := &stubClaims{claimed: map[string]bool{}}

	d := NewDetector(ops, claims, Config{OrphanTimeout: time.Millisecond, CheckInterval: time.Millisecond})
	d.checkForOrphans(context.Background())
	time.Sleep(5 * time.Millisecond)
	d.checkForOrphans(context.Background())

	assert.Empty(t, ops.failed)
}

func TestStaleBookkeepingClearedWhenOperationLeavesRunning(t *testing.T) {
	ops := &stubOps{infos: []operations.Info{{ID: "op_4", Status: operations.StatusRunning}}}
	claims := &stubClaims{claimed: map[string]bool{}}

	d := NewDetector(ops, claims, Config{OrphanTimeout: time.Hour, CheckInterval: time.Millisecond})
	d.checkForOrphans(context.Background())
	assert.Equal(t, 1, d.Status().PotentialOrphanCount)

	ops.mu.Lock()
	ops.infos[0].Status = operations.StatusCompleted
	ops.mu.Unlock()

	d.checkForOrphans(context.Background())
	assert.Equal(t, 0, d.Status().PotentialOrphanCount)
}
