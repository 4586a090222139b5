// Package worker implements the control-plane-side Worker Registry (C4):
// tracking remote worker processes, their heartbeats and claimed
// operations, and evicting workers that stop answering health checks.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ktrdr/opscore/pkg/hostclient"
	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// HealthStatus is a worker's last known reachability.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Worker is a registered remote worker process.
type Worker struct {
	ID                  string
	Type                string
	BaseURL             string
	RegisteredAt        time.Time
	LastHeartbeatAt     time.Time
	CurrentOperationID  string
	Health              HealthStatus
	ConsecutiveFailures int
}

// CompletedOperation is one entry of a worker (re-)registration's
// completed_operations payload: an operation the worker finished while the
// control plane was unreachable, reported so C3 can reconcile it rather
// than leave it stuck RUNNING forever.
type CompletedOperation struct {
	OperationID  string
	Status       string
	ErrorMessage string
	Result       map[string]any
}

// reconciler is the subset of operations.Service the registry needs to
// reconcile claimed and completed operations, expressed as a narrow
// consumer-defined interface so this package never imports the operations
// package's full surface — and so tests can supply a stub.
type reconciler interface {
	ReconcileClaimed(operationID, workerID string)
	ReconcileCompleted(operationID, workerID, status, errorMessage string, result map[string]any)
}

// Registry tracks remote workers, probing their health on a fixed interval
// and evicting any worker that fails MaxUnreachable consecutive checks.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	clients map[string]*hostclient.Client

	maxUnreachable int
	checkInterval  time.Duration

	opsService reconciler

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewRegistry constructs a Registry. checkInterval and maxUnreachable
// default to 15s/3 consecutive failures when zero.
func NewRegistry(checkInterval time.Duration, maxUnreachable int) *Registry {
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	if maxUnreachable <= 0 {
		maxUnreachable = 3
	}
	return &Registry{
		workers:        make(map[string]*Worker),
		clients:        make(map[string]*hostclient.Client),
		maxUnreachable: maxUnreachable,
		checkInterval:  checkInterval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// SetOperationsService injects the operations reconciler. This must happen
// before Start for re-registration reconciliation to work — the same
// critical DI ordering the original backend's composition root enforces.
func (r *Registry) SetOperationsService(svc reconciler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opsService = svc
}

// Register adds or re-registers a worker, matching register_worker(id,
// type, endpoint_url, completed_operations?). Re-registration after a
// backend restart is how work done during the outage is recovered: each
// entry in completed is asked of C3 to reconcile (typically updating the
// operation's status to completed or failed with the reported error). A
// claim left PENDING_RECONCILIATION is reasserted separately via MarkBusy,
// not through this payload.
func (r *Registry) Register(id, workerType, baseURL string, completed []CompletedOperation) {
	r.mu.Lock()
	w, existed := r.workers[id]
	if !existed {
		w = &Worker{ID: id, RegisteredAt: time.Now().UTC()}
		r.workers[id] = w
		client := hostclient.New(hostclient.DefaultConfig(id, baseURL))
		client.Acquire()
		r.clients[id] = client
	}
	w.Type = workerType
	w.BaseURL = baseURL
	w.LastHeartbeatAt = time.Now().UTC()
	w.Health = HealthHealthy
	w.ConsecutiveFailures = 0
	svc := r.opsService
	r.mu.Unlock()

	if svc != nil {
		for _, c := range completed {
			svc.ReconcileCompleted(c.OperationID, id, c.Status, c.ErrorMessage, c.Result)
		}
	}
	log.WithWorkerID(id).Info("worker registered")
}

// MarkBusy records that workerID has claimed operationID (mark_busy), and
// asks the operations service to reconcile the claim — the same path a
// worker reasserting a claim left PENDING_RECONCILIATION after a backend
// restart goes through.
func (r *Registry) MarkBusy(workerID, operationID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mark busy: unregistered worker %s", workerID)
	}
	w.CurrentOperationID = operationID
	svc := r.opsService
	r.mu.Unlock()

	if svc != nil {
		svc.ReconcileClaimed(operationID, workerID)
	}
	return nil
}

// MarkIdle clears a worker's current claim (mark_idle).
func (r *Registry) MarkIdle(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("mark idle: unregistered worker %s", workerID)
	}
	w.CurrentOperationID = ""
	return nil
}

// Heartbeat refreshes a worker's liveness and current claim.
func (r *Registry) Heartbeat(id, currentOperationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("heartbeat from unregistered worker %s", id)
	}
	w.LastHeartbeatAt = time.Now().UTC()
	w.CurrentOperationID = currentOperationID
	w.Health = HealthHealthy
	w.ConsecutiveFailures = 0
	metrics.WorkerHeartbeatsTotal.WithLabelValues(id).Inc()
	return nil
}

// ListWorkers returns a snapshot of all registered workers.
func (r *Registry) ListWorkers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// ClaimedOperationIDs returns the set of operation IDs currently claimed by
// a registered worker, used by the orphan detector (C6) to distinguish
// claimed-but-running operations from truly orphaned ones.
func (r *Registry) ClaimedOperationIDs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := make(map[string]bool)
	for _, w := range r.workers {
		if w.CurrentOperationID != "" {
			claimed[w.CurrentOperationID] = true
		}
	}
	return claimed
}

// Client returns the host-service client for a registered worker, used by
// the API surface to proxy a request for a worker-owned operation (C4 ↔ C1
// ↔ worker).
func (r *Registry) Client(id string) (*hostclient.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Start begins the background health-check loop.
func (r *Registry) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

// checkAll probes every worker concurrently, bounding per-tick latency to
// the slowest single worker rather than the sum of all of them.
func (r *Registry) checkAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r.checkOne(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) checkOne(ctx context.Context, id string) {
	r.mu.Lock()
	client, ok := r.clients[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	healthy, _ := client.Health(ctx)

	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if healthy {
		w.Health = HealthHealthy
		w.ConsecutiveFailures = 0
		r.mu.Unlock()
		return
	}

	w.ConsecutiveFailures++
	w.Health = HealthUnhealthy
	evict := w.ConsecutiveFailures >= r.maxUnreachable
	var evicted *hostclient.Client
	if evict {
		evicted = r.clients[id]
		delete(r.workers, id)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if evict {
		if evicted != nil {
			evicted.Release()
		}
		metrics.WorkerEvictionsTotal.Inc()
		log.WithWorkerID(id).Warn(fmt.Sprintf("worker evicted after %d consecutive failed health checks", r.maxUnreachable))
	}
}

// Stop halts the health-check loop, waits for it to exit, and releases
// every still-registered worker's client — the loop's own exit path for
// guaranteed release of every acquired client.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	<-r.doneCh

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Release()
	}
}
