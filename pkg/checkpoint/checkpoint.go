// Package checkpoint implements the Checkpoint Service (C7): saving and
// retrieving point-in-time state snapshots for resumable operations, so C8
// (resume coordination) can pick a long-running operation back up after an
// interruption instead of restarting it from scratch.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
	"github.com/ktrdr/opscore/pkg/storage"
)

// Type classifies why a checkpoint was taken.
type Type string

const (
	TypeTimer        Type = "TIMER"
	TypeForce        Type = "FORCE"
	TypeCancellation Type = "CANCELLATION"
	TypeShutdown     Type = "SHUTDOWN"
	TypeFailure      Type = "FAILURE"
)

// StateProvider supplies the current resumable state for a running
// operation, normally backed by the worker executing it. A nil state (no
// error) means the operation has nothing checkpointable right now.
type StateProvider interface {
	OperationState(ctx context.Context, operationID string) (map[string]any, error)
}

// store is the narrow view of storage.BoltRepository the service needs.
type store interface {
	SaveCheckpoint(ctx context.Context, rec storage.CheckpointRecord) error
	LatestCheckpoint(ctx context.Context, operationID string) (*storage.CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, operationID string) ([]storage.CheckpointRecord, error)
	DeleteCheckpoints(ctx context.Context, operationID string) error
}

// Service saves and retrieves checkpoints for resumable operations.
type Service struct {
	store store
	state StateProvider

	mu  sync.Mutex
	seq map[string]int
}

// NewService constructs a Service over a durable checkpoint store and the
// state provider used to snapshot in-flight operations.
func NewService(s store, state StateProvider) *Service {
	return &Service{store: s, state: state, seq: make(map[string]int)}
}

// Save takes a checkpoint of operationID's current state. It returns false
// (with no error) when there is nothing to checkpoint or the underlying
// store write failed — checkpoint failures must never crash the operation
// they're protecting, only skip protection for this cycle.
func (s *Service) Save(ctx context.Context, operationID string, checkpointType Type, metadata map[string]string) (bool, error) {
	state, err := s.state.OperationState(ctx, operationID)
	if err != nil {
		log.WithOperationID(operationID).Warn(fmt.Sprintf("checkpoint skipped, state unavailable: %v", err))
		return false, nil
	}
	if state == nil {
		log.WithOperationID(operationID).Warn(fmt.Sprintf("checkpoint skipped for %s: no state available", operationID))
		return false, nil
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint state for %s: %w", operationID, err)
	}

	if metadata == nil {
		metadata = make(map[string]string, 2)
	}
	now := time.Now().UTC()
	metadata["checkpoint_type"] = string(checkpointType)
	metadata["created_at"] = now.Format(time.RFC3339)

	s.mu.Lock()
	seq := s.seq[operationID] + 1
	s.seq[operationID] = seq
	s.mu.Unlock()

	rec := storage.CheckpointRecord{
		OperationID: operationID,
		Sequence:    seq,
		Type:        string(checkpointType),
		CreatedAt:   now.Format(time.RFC3339),
		Metadata:    metadata,
		Payload:     payload,
	}
	if err := s.store.SaveCheckpoint(ctx, rec); err != nil {
		log.WithOperationID(operationID).Warn(fmt.Sprintf("checkpoint save failed: %v", err))
		return false, nil
	}

	metrics.CheckpointsSavedTotal.WithLabelValues(string(checkpointType)).Inc()
	log.WithOperationID(operationID).Info(fmt.Sprintf("saved %s checkpoint (sequence %d)", checkpointType, seq))
	return true, nil
}

// Latest returns the most recent checkpoint for an operation, or nil if none
// exist yet.
func (s *Service) Latest(ctx context.Context, operationID string) (*storage.CheckpointRecord, error) {
	return s.store.LatestCheckpoint(ctx, operationID)
}

// List returns the operation's live checkpoint as a one-element slice, or
// an empty slice if none exists; the store keeps at most one checkpoint per
// operation.
func (s *Service) List(ctx context.Context, operationID string) ([]storage.CheckpointRecord, error) {
	return s.store.ListCheckpoints(ctx, operationID)
}

// Delete removes every checkpoint for an operation, once it has been
// consumed by a successful resume.
func (s *Service) Delete(ctx context.Context, operationID string) error {
	return s.store.DeleteCheckpoints(ctx, operationID)
}
