// Package reconcile implements Startup Reconciliation (C5): a one-shot pass
// run before the orphan detector starts, resolving every RUNNING operation
// left behind by an unclean backend restart.
package reconcile

import (
	"context"
	"fmt"

	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
	"github.com/ktrdr/opscore/pkg/operations"
)

// Result summarizes what a reconciliation pass did.
type Result struct {
	TotalProcessed      int
	WorkerOpsReconciled int
	BackendOpsFailed    int
}

// Run queries every RUNNING operation and resolves it:
//   - backend-local operations are marked FAILED, since the process that
//     was executing them no longer exists;
//   - worker-based operations are marked reconciliation_status=
//     pending_reconciliation and left RUNNING; the mark is cleared when
//     their worker reasserts its claim (worker.Registry.MarkBusy), and the
//     orphan detector fails them if no claim arrives within its timeout.
//
// Must run before the orphan detector starts, or it will immediately treat
// every worker-based RUNNING operation as an orphan before a chance to
// re-register exists.
func Run(ctx context.Context, repo operations.Repository) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	running, err := repo.List(ctx, operations.RecordFilter{Status: operations.StatusRunning})
	if err != nil {
		return Result{}, fmt.Errorf("list running operations: %w", err)
	}

	if len(running) == 0 {
		log.WithComponent("reconcile").Info("startup reconciliation: no RUNNING operations to process")
		return Result{}, nil
	}

	var result Result
	for _, rec := range running {
		if rec.IsBackendLocal {
			status := operations.StatusFailed
			msg := "Backend restarted - operation was running in backend process"
			if err := repo.Update(ctx, rec.OperationID, operations.UpdateFields{
				Status:       &status,
				ErrorMessage: &msg,
			}); err != nil {
				return result, fmt.Errorf("mark backend-local operation %s failed: %w", rec.OperationID, err)
			}
			result.BackendOpsFailed++
			metrics.ReconciliationOperationsTotal.WithLabelValues("backend_local_failed").Inc()
			continue
		}

		reconciling := operations.ReconciliationPending
		if err := repo.Update(ctx, rec.OperationID, operations.UpdateFields{
			ReconciliationStatus: &reconciling,
		}); err != nil {
			return result, fmt.Errorf("mark worker operation %s pending reconciliation: %w", rec.OperationID, err)
		}
		result.WorkerOpsReconciled++
		metrics.ReconciliationOperationsTotal.WithLabelValues("worker_pending_reconciliation").Inc()
	}

	result.TotalProcessed = len(running)
	log.WithComponent("reconcile").Info(fmt.Sprintf(
		"startup reconciliation complete: %d operations processed (%d worker-based, %d backend-local)",
		result.TotalProcessed, result.WorkerOpsReconciled, result.BackendOpsFailed,
	))
	return result, nil
}
