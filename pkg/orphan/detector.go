// Package orphan implements the Orphan Detector (C6): a background loop
// that fails RUNNING operations no registered worker has claimed for longer
// than a configurable timeout.
package orphan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
	"github.com/ktrdr/opscore/pkg/operations"
)

// lister is the narrow view of operations.Service the detector needs.
type lister interface {
	List(filter operations.ListFilter) (page []operations.Info, total int, active int)
	Fail(ctx context.Context, id operations.Id, errorMessage string, failParent bool) error
}

// claimSource is the narrow view of worker.Registry the detector needs.
type claimSource interface {
	ClaimedOperationIDs() map[string]bool
}

// Config tunes the detector's timeout and poll cadence.
type Config struct {
	OrphanTimeout time.Duration
	CheckInterval time.Duration
}

// DefaultConfig matches the original backend's defaults (60s timeout, 15s
// poll interval).
func DefaultConfig() Config {
	return Config{OrphanTimeout: 60 * time.Second, CheckInterval: 15 * time.Second}
}

// Detector periodically scans RUNNING operations for ones no worker has
// claimed, failing any that stay unclaimed past Config.OrphanTimeout.
type Detector struct {
	cfg     Config
	ops     lister
	workers claimSource

	mu               sync.Mutex
	potentialOrphans map[operations.Id]time.Time
	lastCheck        time.Time
	running          bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewDetector constructs a Detector over the operations service and worker
// registry it polls.
func NewDetector(ops lister, workers claimSource, cfg Config) *Detector {
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = 60 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	return &Detector{
		cfg:              cfg,
		ops:              ops,
		workers:          workers,
		potentialOrphans: make(map[operations.Id]time.Time),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start begins the background detection loop.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	go d.run(ctx)
}

// Stop halts the loop and waits for it to exit. Safe to call once started;
// calling Stop without Start blocks forever, since nothing would ever close
// doneCh.
func (d *Detector) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkForOrphans(ctx)
		}
	}
}

// checkForOrphans runs one detection cycle, grounded on the original
// backend's algorithm: track first-seen time per unclaimed running
// operation, fail it once unclaimed for >= the configured timeout, and
// drop stale bookkeeping entries for operations no longer RUNNING.
func (d *Detector) checkForOrphans(ctx context.Context) {
	defer metrics.OrphanDetectorCyclesTotal.Inc()

	running, _, _ := d.ops.List(operations.ListFilter{Status: operations.StatusRunning})
	claimed := d.workers.ClaimedOperationIDs()

	runningIDs := make(map[operations.Id]bool, len(running))
	now := time.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastCheck = now

	for _, op := range running {
		runningIDs[op.ID] = true

		if claimed[string(op.ID)] {
			delete(d.potentialOrphans, op.ID)
			continue
		}
		if op.IsBackendLocal {
			// Backend-local operations are handled by startup reconciliation,
			// not claim-tracking; the detector never touches them.
			continue
		}

		firstSeen, tracked := d.potentialOrphans[op.ID]
		if !tracked {
			d.potentialOrphans[op.ID] = now
			continue
		}

		if now.Sub(firstSeen) >= d.cfg.OrphanTimeout {
			delete(d.potentialOrphans, op.ID)
			if err := d.ops.Fail(ctx, op.ID, "Operation was RUNNING but no worker claimed it", false); err != nil {
				log.WithOperationID(string(op.ID)).Warn(fmt.Sprintf("failed to mark orphan failed: %v", err))
				continue
			}
			metrics.OrphansDetectedTotal.Inc()
			log.WithOperationID(string(op.ID)).Warn("operation marked failed: orphaned (no worker claim within timeout)")
		}
	}

	for id := range d.potentialOrphans {
		if !runningIDs[id] {
			delete(d.potentialOrphans, id)
		}
	}
	metrics.PotentialOrphansGauge.Set(float64(len(d.potentialOrphans)))
}

// Status is a point-in-time introspection snapshot, recovered from the
// original backend's get_status and exposed at
// GET /api/v1/internal/orphan-detector.
type Status struct {
	Running              bool
	PotentialOrphanCount int
	LastCheck            time.Time
	OrphanTimeout        time.Duration
	CheckInterval        time.Duration
}

// Status returns the detector's current introspection snapshot.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Running:              d.running,
		PotentialOrphanCount: len(d.potentialOrphans),
		LastCheck:            d.lastCheck,
		OrphanTimeout:        d.cfg.OrphanTimeout,
		CheckInterval:        d.cfg.CheckInterval,
	}
}
