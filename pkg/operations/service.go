package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
)

// handle tracks the runtime cancellation plumbing for a running operation.
// It is never persisted — a backend restart always loses these, which is
// exactly why C5 (startup reconciliation) and C6 (orphan detection) exist.
type handle struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Service is the central registry for operations: the in-memory cache and
// state machine described by C3, backed by a Repository for durability.
type Service struct {
	mu         sync.Mutex
	operations map[Id]*Info
	handles    map[Id]handle
	children   map[Id][]Id // parentID -> child IDs, for progress aggregation
	metricsLog map[Id][]MetricSample
	repo       Repository
}

// MetricSample is one entry in an operation's in-memory metrics ring
// buffer, populated from the optional Metrics payload of UpdateProgress
// calls. Never persisted, per the "progress updates must not persist" rule.
type MetricSample struct {
	Sequence   int
	Metrics    map[string]any
	RecordedAt time.Time
}

const maxMetricSamplesPerOperation = 500

// NewService constructs an operations Service over the given repository.
func NewService(repo Repository) *Service {
	return &Service{
		operations: make(map[Id]*Info),
		handles:    make(map[Id]handle),
		children:   make(map[Id][]Id),
		metricsLog: make(map[Id][]MetricSample),
		repo:       repo,
	}
}

// Create registers a new operation, persists it, and returns its Info.
// If id is empty a new one is generated from opType.
func (s *Service) Create(ctx context.Context, opType Type, meta Metadata, id Id) (Info, error) {
	s.mu.Lock()
	if id == "" {
		id = GenerateID(opType, "")
	}
	if _, exists := s.operations[id]; exists {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("create operation %s: %w", id, ErrDuplicateID)
	}

	info := Info{
		ID:        id,
		Type:      opType,
		Status:    StatusPending,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if meta.Parameters != nil {
		info.IsBackendLocal = meta.backendLocalHint()
	}
	if parentRaw, ok := meta.Parameters["parent_id"]; ok {
		if parentID, ok := parentRaw.(string); ok && parentID != "" {
			parent, exists := s.operations[Id(parentID)]
			if !exists || parent.Type != TypeAgentSession {
				s.mu.Unlock()
				return Info{}, fmt.Errorf("create operation %s: parent %s: %w", id, parentID, ErrInvalidParent)
			}
			info.ParentID = Id(parentID)
		}
	}
	s.operations[id] = &info
	if info.ParentID != "" {
		s.children[info.ParentID] = append(s.children[info.ParentID], id)
	}
	s.mu.Unlock()

	if err := s.repo.Create(ctx, infoToRecord(info)); err != nil {
		s.mu.Lock()
		delete(s.operations, id)
		s.mu.Unlock()
		return Info{}, fmt.Errorf("persist operation %s: %w", id, err)
	}

	metrics.OperationsTotal.WithLabelValues(string(opType)).Inc()
	metrics.OperationsActive.WithLabelValues(string(StatusPending)).Inc()
	log.WithOperationID(string(id)).Info("created operation")
	return info, nil
}

// Start marks an operation running and attaches its cancellation handle.
func (s *Service) Start(ctx context.Context, id Id, cancel context.CancelFunc, done <-chan struct{}) error {
	s.mu.Lock()
	info, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("start operation %s: %w", id, ErrNotFound)
	}
	if info.Status != StatusPending {
		s.mu.Unlock()
		return fmt.Errorf("start operation %s: %w", id, ErrIllegalTransition)
	}
	now := time.Now().UTC()
	info.Status = StatusRunning
	info.StartedAt = &now
	s.handles[id] = handle{cancel: cancel, done: done}
	s.mu.Unlock()

	startedAt := now
	status := StatusRunning
	if err := s.repo.Update(ctx, id, UpdateFields{Status: &status, StartedAt: &startedAt}); err != nil {
		return fmt.Errorf("persist start for %s: %w", id, err)
	}
	metrics.OperationTransitionsTotal.WithLabelValues(string(StatusPending), string(StatusRunning)).Inc()
	metrics.OperationsActive.WithLabelValues(string(StatusPending)).Dec()
	metrics.OperationsActive.WithLabelValues(string(StatusRunning)).Inc()
	log.WithOperationID(string(id)).Info("started operation")
	return nil
}

// UpdateProgress updates the in-memory progress snapshot only — progress
// never hits the repository, by design (see the "progress updates must not
// persist" rule). Unknown IDs are logged and silently ignored, matching the
// original backend's behavior under racing worker callbacks.
func (s *Service) UpdateProgress(id Id, progress Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.operations[id]
	if !ok {
		log.WithOperationID(string(id)).Warn("cannot update progress, operation not found")
		return
	}
	info.Progress = progress

	if len(progress.Metrics) > 0 {
		samples := s.metricsLog[id]
		samples = append(samples, MetricSample{
			Sequence:   len(samples) + 1,
			Metrics:    progress.Metrics,
			RecordedAt: time.Now().UTC(),
		})
		if len(samples) > maxMetricSamplesPerOperation {
			samples = samples[len(samples)-maxMetricSamplesPerOperation:]
		}
		s.metricsLog[id] = samples
	}

	if info.ParentID != "" {
		s.recomputeParentProgressLocked(info.ParentID)
	}
	if kids := s.children[id]; len(kids) > 0 {
		s.recomputeParentProgressLocked(id)
	}
}

// MetricsSince returns every metrics sample for id with Sequence > cursor,
// oldest first, plus the cursor a caller should pass next time to resume
// from where this call left off. Trimming the ring buffer can advance
// samples past a stale cursor; callers simply receive everything still
// retained.
func (s *Service) MetricsSince(id Id, cursor int) ([]MetricSample, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operations[id]; !ok {
		return nil, cursor, fmt.Errorf("metrics for operation %s: %w", id, ErrNotFound)
	}

	samples := s.metricsLog[id]
	nextCursor := cursor
	var out []MetricSample
	for _, sample := range samples {
		if sample.Sequence > cursor {
			out = append(out, sample)
			nextCursor = sample.Sequence
		}
	}
	return out, nextCursor, nil
}

// phaseWindow is the [start, end] percentage band a child operation type
// occupies within its parent's aggregated progress, plus the display label
// for that phase.
type phaseWindow struct {
	start, end float64
	label      string
}

// childPhaseWindows is the piecewise-linear composition an agent_session
// parent's children are scored against: a design child spans the first 5%,
// training spans the bulk of the run, and backtesting the final stretch.
var childPhaseWindows = map[Type]phaseWindow{
	TypeAgentDesign: {start: 0, end: 5, label: "Design"},
	TypeTraining:    {start: 5, end: 80, label: "Training"},
	TypeBacktesting: {start: 80, end: 100, label: "Backtest"},
}

// GetAggregatedProgress computes parentID's progress as the windowed
// composition of its children's phases, plus the label of the most advanced
// phase still in progress. Returns (0, "") if the parent has no children
// with a recognized phase window.
func (s *Service) GetAggregatedProgress(parentID Id) (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregatedProgressLocked(parentID)
}

// Children returns id's children in creation order, matching the
// get_children contract.
func (s *Service) Children(id Id) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	kids := s.children[id]
	out := make([]Info, 0, len(kids))
	for _, childID := range kids {
		if child, ok := s.operations[childID]; ok {
			out = append(out, *child)
		}
	}
	return out
}

// aggregatedProgressLocked walks a parent's children in creation order:
// every terminal child contributes the full width of its phase window;
// the earliest non-terminal child contributes a fraction of its window
// proportional to its own percentage; every other non-terminal child
// (pending, or simply not yet reached) contributes nothing. The label
// reports the most advanced phase that is still in progress. Must be
// called with mu held.
func (s *Service) aggregatedProgressLocked(parentID Id) (float64, string) {
	kids := s.children[parentID]
	if len(kids) == 0 {
		return 0, ""
	}

	earliestNonTerminal := -1
	for idx, childID := range kids {
		child, ok := s.operations[childID]
		if !ok {
			continue
		}
		if !child.Status.Terminal() {
			earliestNonTerminal = idx
			break
		}
	}

	var pct float64
	var label string
	mostAdvancedStart := -1.0
	for idx, childID := range kids {
		child, ok := s.operations[childID]
		if !ok {
			continue
		}
		window, known := childPhaseWindows[child.Type]
		if !known {
			continue
		}
		width := window.end - window.start

		switch {
		case idx == earliestNonTerminal:
			pct += width * child.Progress.Percentage / 100
		case child.Status.Terminal():
			pct += width
		}

		if !child.Status.Terminal() && window.start > mostAdvancedStart {
			mostAdvancedStart = window.start
			label = window.label
		}
	}
	return pct, label
}

// recomputeParentProgressLocked refreshes a parent's cached Progress from
// its children's aggregated phase progress. Must be called with mu held.
func (s *Service) recomputeParentProgressLocked(parentID Id) {
	parent, ok := s.operations[parentID]
	if !ok {
		return
	}
	pct, label := s.aggregatedProgressLocked(parentID)
	parent.Progress.Percentage = pct
	if label != "" {
		parent.Progress.CurrentStep = label
	}
}

// Complete marks an operation completed with an optional result summary.
func (s *Service) Complete(ctx context.Context, id Id, result map[string]any) error {
	return s.finish(ctx, id, StatusCompleted, result, "")
}

// Fail marks an operation failed with an error message. If failParent is
// true and the operation has a parent that is not already terminal, the
// parent is failed too, with a message naming the child and carrying its
// error — this is how a design/training/backtest child's failure takes
// down its agent_session parent. The parent is failed in a second step
// after the child's failure is persisted, not atomically with it; an error
// while failing the parent is logged and not returned.
func (s *Service) Fail(ctx context.Context, id Id, errorMessage string, failParent bool) error {
	s.mu.Lock()
	info, ok := s.operations[id]
	var parentID Id
	if ok {
		parentID = info.ParentID
	}
	s.mu.Unlock()

	if err := s.finish(ctx, id, StatusFailed, nil, errorMessage); err != nil {
		return err
	}

	if failParent && parentID != "" {
		s.mu.Lock()
		parent, ok := s.operations[parentID]
		alreadyTerminal := ok && parent.Status.Terminal()
		s.mu.Unlock()
		if ok && !alreadyTerminal {
			if err := s.finish(ctx, parentID, StatusFailed, nil, fmt.Sprintf("child operation %s failed: %s", id, errorMessage)); err != nil {
				log.WithOperationID(string(parentID)).Warn(fmt.Sprintf("failed to cascade-fail parent: %v", err))
			}
		}
	}
	return nil
}

func (s *Service) finish(ctx context.Context, id Id, status Status, result map[string]any, errMsg string) error {
	s.mu.Lock()
	info, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		log.WithOperationID(string(id)).Warn(fmt.Sprintf("cannot set status %s, operation not found", status))
		return fmt.Errorf("finish operation %s: %w", id, ErrNotFound)
	}
	from := info.Status
	now := time.Now().UTC()
	info.Status = status
	info.CompletedAt = &now
	info.ErrorMessage = errMsg
	info.ResultSummary = result
	if status == StatusCompleted {
		info.Progress.Percentage = 100
	}
	delete(s.handles, id)
	s.mu.Unlock()

	pct := info.Progress.Percentage
	var resultJSON []byte
	if result != nil {
		resultJSON, _ = json.Marshal(result)
	}
	msg := errMsg
	if err := s.repo.Update(ctx, id, UpdateFields{
		Status:          &status,
		CompletedAt:     &now,
		ProgressPercent: &pct,
		ErrorMessage:    &msg,
		ResultJSON:      resultJSON,
	}); err != nil {
		return fmt.Errorf("persist finish for %s: %w", id, err)
	}

	metrics.OperationTransitionsTotal.WithLabelValues(string(from), string(status)).Inc()
	metrics.OperationsActive.WithLabelValues(string(from)).Dec()
	if info.StartedAt != nil {
		metrics.OperationDuration.WithLabelValues(string(info.Type)).Observe(now.Sub(*info.StartedAt).Seconds())
	}
	log.WithOperationID(string(id)).Info(fmt.Sprintf("operation finished with status %s", status))
	return nil
}

// CancelResult mirrors the structured response the API surface returns for
// a cancel request.
type CancelResult struct {
	Success            bool
	OperationID        Id
	Status             Status
	CancelledAt        time.Time
	CancellationReason string
	TaskCancelled      bool
}

// Cancel cancels a pending or running operation, invoking its runtime
// cancellation handle (if any) and waiting for it to observe cancellation.
func (s *Service) Cancel(ctx context.Context, id Id, reason string) (CancelResult, error) {
	s.mu.Lock()
	info, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		return CancelResult{}, fmt.Errorf("cancel operation %s: %w", id, ErrNotFound)
	}
	if info.Status.Terminal() {
		s.mu.Unlock()
		return CancelResult{}, fmt.Errorf("cancel operation %s (status %s): %w", id, info.Status, ErrIllegalTransition)
	}

	h, hasHandle := s.handles[id]
	delete(s.handles, id)
	now := time.Now().UTC()
	if reason == "" {
		reason = "operation cancelled by caller"
	}
	from := info.Status
	info.Status = StatusCancelled
	info.CompletedAt = &now
	info.ErrorMessage = reason
	s.mu.Unlock()

	if hasHandle && h.cancel != nil {
		h.cancel()
		if h.done != nil {
			select {
			case <-h.done:
			case <-ctx.Done():
			}
		}
	}

	status := StatusCancelled
	msg := reason
	if err := s.repo.Update(ctx, id, UpdateFields{Status: &status, CompletedAt: &now, ErrorMessage: &msg}); err != nil {
		return CancelResult{}, fmt.Errorf("persist cancel for %s: %w", id, err)
	}
	metrics.OperationTransitionsTotal.WithLabelValues(string(from), string(StatusCancelled)).Inc()
	metrics.OperationsActive.WithLabelValues(string(from)).Dec()
	log.WithOperationID(string(id)).Info("cancelled operation")

	s.cascadeCancelChildren(ctx, id)

	return CancelResult{
		Success:            true,
		OperationID:        id,
		Status:             StatusCancelled,
		CancelledAt:        now,
		CancellationReason: reason,
		TaskCancelled:      hasHandle,
	}, nil
}

// cascadeCancelChildren cancels every non-terminal child of id; already
// terminal children are left untouched. Best-effort: a child that fails to
// cancel is logged and does not block the rest.
func (s *Service) cascadeCancelChildren(ctx context.Context, id Id) {
	s.mu.Lock()
	kids := append([]Id(nil), s.children[id]...)
	s.mu.Unlock()

	for _, childID := range kids {
		s.mu.Lock()
		child, ok := s.operations[childID]
		terminal := ok && child.Status.Terminal()
		s.mu.Unlock()
		if !ok || terminal {
			continue
		}
		if _, err := s.Cancel(ctx, childID, "parent operation was cancelled"); err != nil {
			log.WithOperationID(string(childID)).Warn(fmt.Sprintf("failed to cascade-cancel child: %v", err))
		}
	}
}

// Get returns the cached Info for an operation, or ErrNotFound.
func (s *Service) Get(id Id) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.operations[id]
	if !ok {
		return Info{}, fmt.Errorf("get operation %s: %w", id, ErrNotFound)
	}
	return *info, nil
}

// ListFilter narrows Service.List.
type ListFilter struct {
	Status     Status
	Type       Type
	ActiveOnly bool
	Limit      int
	Offset     int
}

// List returns a page of operations newest-first, the total matching count,
// and the count of currently active (pending/running) operations overall.
func (s *Service) List(filter ListFilter) (page []Info, total int, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Info, 0, len(s.operations))
	for _, info := range s.operations {
		all = append(all, *info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	for _, info := range all {
		if info.Active() {
			active++
		}
	}

	filtered := make([]Info, 0, len(all))
	for _, info := range all {
		if filter.ActiveOnly && !info.Active() {
			continue
		}
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		if filter.Type != "" && info.Type != filter.Type {
			continue
		}
		filtered = append(filtered, info)
	}
	total = len(filtered)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], total, active
}

// Retry creates a new operation cloned from a failed one, prefixed "retry".
func (s *Service) Retry(ctx context.Context, id Id) (Info, error) {
	s.mu.Lock()
	original, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("retry operation %s: %w", id, ErrNotFound)
	}
	if original.Status != StatusFailed {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("retry operation %s (status %s): %w", id, original.Status, ErrRetryNotFailed)
	}
	opType, meta := original.Type, original.Metadata
	s.mu.Unlock()

	newID := GenerateID(opType, "retry")
	return s.Create(ctx, opType, meta, newID)
}

// CleanupOlderThan deletes terminal operations whose CompletedAt is older
// than maxAge, from both the cache and the repository. It supplements
// spec.md's core lifecycle with a maintenance sweep recovered from the
// original backend's cleanup_old_operations.
func (s *Service) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	var toRemove []Id
	for id, info := range s.operations {
		if info.Status.Terminal() && info.CompletedAt != nil && info.CompletedAt.Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, id := range toRemove {
		if ok, err := s.repo.Delete(ctx, id); err != nil {
			return removed, fmt.Errorf("cleanup delete %s: %w", id, err)
		} else if ok {
			removed++
		}
		s.mu.Lock()
		delete(s.operations, id)
		s.mu.Unlock()
	}
	if removed > 0 {
		log.WithComponent("operations").Info(fmt.Sprintf("cleaned up %d old operations", removed))
	}
	return removed, nil
}

// ReconcileClaimed clears an operation's pending-reconciliation status once
// its worker re-registers and reasserts the claim, matching the original
// backend's registry->operations wiring: a worker coming back after a
// backend restart clears reconciliation_status before the orphan detector's
// next tick would otherwise treat it as unclaimed.
func (s *Service) ReconcileClaimed(operationID, workerID string) {
	id := Id(operationID)
	s.mu.Lock()
	info, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		log.WithOperationID(operationID).Warn("cannot reconcile claim, operation not found")
		return
	}
	if info.ReconciliationStatus == ReconciliationNone && info.WorkerID == workerID {
		s.mu.Unlock()
		return
	}
	info.ReconciliationStatus = ReconciliationNone
	info.WorkerID = workerID
	s.mu.Unlock()

	reconciled := ReconciliationNone
	if err := s.repo.Update(context.Background(), id, UpdateFields{
		ReconciliationStatus: &reconciled,
		WorkerID:             &workerID,
	}); err != nil {
		log.WithOperationID(operationID).Warn(fmt.Sprintf("failed to persist claim reconciliation: %v", err))
		return
	}
	log.WithOperationID(operationID).Info(fmt.Sprintf("claim reconciled by worker %s", workerID))
}

// ReconcileCompleted finalizes an operation a worker reports as finished in
// its re-registration's completed_operations payload — work done during a
// control-plane outage that would otherwise be stuck RUNNING forever.
// status must be "completed" or "failed"; anything else is logged and
// ignored.
func (s *Service) ReconcileCompleted(operationID, workerID, status, errorMessage string, result map[string]any) {
	s.mu.Lock()
	info, ok := s.operations[Id(operationID)]
	if !ok {
		s.mu.Unlock()
		log.WithOperationID(operationID).Warn("cannot reconcile completed report, operation not found")
		return
	}
	alreadyTerminal := info.Status.Terminal()
	s.mu.Unlock()
	if alreadyTerminal {
		return
	}

	ctx := context.Background()
	switch Status(status) {
	case StatusCompleted:
		if err := s.Complete(ctx, Id(operationID), result); err != nil {
			log.WithOperationID(operationID).Warn(fmt.Sprintf("failed to reconcile completed report from worker %s: %v", workerID, err))
		}
	case StatusFailed:
		if err := s.Fail(ctx, Id(operationID), errorMessage, false); err != nil {
			log.WithOperationID(operationID).Warn(fmt.Sprintf("failed to reconcile failed report from worker %s: %v", workerID, err))
		}
	default:
		log.WithOperationID(operationID).Warn("completed-operation report carried unrecognized status: " + status)
	}
}

// LoadFromRepository rebuilds the in-memory cache from the durable store,
// used at startup after C5 reconciliation has already run so the cache
// reflects reconciled statuses from the first tick onward.
func (s *Service) LoadFromRepository(ctx context.Context) error {
	records, err := s.repo.List(ctx, RecordFilter{})
	if err != nil {
		return fmt.Errorf("load operations cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		info := recordToInfo(rec)
		s.operations[info.ID] = &info
		if info.ParentID != "" {
			s.children[info.ParentID] = append(s.children[info.ParentID], info.ID)
		}
	}
	for parentID, kids := range s.children {
		sort.Slice(kids, func(i, j int) bool {
			return s.operations[kids[i]].CreatedAt.Before(s.operations[kids[j]].CreatedAt)
		})
		s.children[parentID] = kids
	}
	return nil
}
