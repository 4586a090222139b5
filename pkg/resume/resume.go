// Package resume implements the Resume Coordinator (C8): restarting a
// FAILED or CANCELLED resumable operation from its last checkpoint instead
// of from scratch, by dispatching to a per-operation-type Runner.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/ktrdr/opscore/pkg/storage"
)

// Sentinel errors returned by Resume, distinguishable from the generic
// operations package errors since they describe resume-specific failure
// modes rather than lifecycle ones.
var (
	ErrNotResumableStatus = errors.New("operation status does not permit resume")
	ErrUnsupportedType    = errors.New("resume not supported for this operation type")
	ErrNoCheckpoint       = errors.New("no checkpoint found for operation")
)

// Runner resumes a single operation type from a decoded checkpoint state,
// returning a result summary that becomes the resumed operation's eventual
// completion result. One Runner is registered per resumable operation.Type
// (training, backtesting).
type Runner interface {
	Resume(ctx context.Context, newOperationID string, checkpointState map[string]any) (map[string]any, error)
}

// opsService is the narrow view of operations.Service the coordinator needs.
type opsService interface {
	Get(id operations.Id) (operations.Info, error)
	Create(ctx context.Context, opType operations.Type, meta operations.Metadata, id operations.Id) (operations.Info, error)
}

// checkpointSource is the narrow view of checkpoint.Service the coordinator
// needs.
type checkpointSource interface {
	Latest(ctx context.Context, operationID string) (*storage.CheckpointRecord, error)
	Delete(ctx context.Context, operationID string) error
}

// Result summarizes the outcome of a resume request, mirroring the
// response shape the original backend returns from resume_operation.
type Result struct {
	Success               bool
	OriginalOperationID   operations.Id
	NewOperationID        operations.Id
	ResumedFromCheckpoint bool
}

// Coordinator dispatches resume requests to per-type Runners.
type Coordinator struct {
	ops     opsService
	ckpt    checkpointSource
	runners map[operations.Type]Runner
}

// NewCoordinator constructs a Coordinator over the operations service and
// checkpoint service it resumes against.
func NewCoordinator(ops opsService, ckpt checkpointSource) *Coordinator {
	return &Coordinator{ops: ops, ckpt: ckpt, runners: make(map[operations.Type]Runner)}
}

// Register wires a Runner for an operation type. Must be called before
// Resume sees a request for that type.
func (c *Coordinator) Register(opType operations.Type, runner Runner) {
	c.runners[opType] = runner
}

// Resume restarts originalID from its last checkpoint: validates status and
// type, loads the checkpoint, creates a new operation carrying a
// "resumed_from" link back to the original, dispatches to the registered
// Runner, and deletes the original's checkpoints on success.
func (c *Coordinator) Resume(ctx context.Context, originalID operations.Id) (Result, error) {
	info, err := c.ops.Get(originalID)
	if err != nil {
		return Result{}, fmt.Errorf("resume %s: %w", originalID, err)
	}

	if info.Status != operations.StatusFailed && info.Status != operations.StatusCancelled {
		return Result{}, fmt.Errorf("cannot resume operation %s with status %s: only failed or cancelled operations can be resumed: %w",
			originalID, info.Status, ErrNotResumableStatus)
	}

	if !operations.ResumableTypes[info.Type] {
		return Result{}, fmt.Errorf("resume not supported for operation type %s: %w", info.Type, ErrUnsupportedType)
	}
	runner, ok := c.runners[info.Type]
	if !ok {
		return Result{}, fmt.Errorf("no resume runner registered for operation type %s: %w", info.Type, ErrUnsupportedType)
	}

	rec, err := c.ckpt.Latest(ctx, string(originalID))
	if err != nil {
		return Result{}, fmt.Errorf("load checkpoint for %s: %w", originalID, err)
	}
	if rec == nil {
		return Result{}, fmt.Errorf("no checkpoint found for operation %s: %w", originalID, ErrNoCheckpoint)
	}
	var state map[string]any
	if err := json.Unmarshal(rec.Payload, &state); err != nil {
		return Result{}, fmt.Errorf("decode checkpoint payload for %s: %w", originalID, err)
	}

	meta := info.Metadata
	cloned := make(map[string]any, len(meta.Parameters)+1)
	for k, v := range meta.Parameters {
		cloned[k] = v
	}
	cloned["resumed_from"] = string(originalID)
	meta.Parameters = cloned

	newID := operations.GenerateID(info.Type, "resume")
	newInfo, err := c.ops.Create(ctx, info.Type, meta, newID)
	if err != nil {
		return Result{}, fmt.Errorf("create resumed operation for %s: %w", originalID, err)
	}

	if _, err := runner.Resume(ctx, string(newInfo.ID), state); err != nil {
		return Result{}, fmt.Errorf("resume operation %s: %w", originalID, err)
	}

	if err := c.ckpt.Delete(ctx, string(originalID)); err != nil {
		log.WithOperationID(string(originalID)).Warn(fmt.Sprintf("failed to delete consumed checkpoints: %v", err))
	}

	log.WithOperationID(string(originalID)).Info(fmt.Sprintf("resumed as new operation %s", newInfo.ID))
	return Result{
		Success:               true,
		OriginalOperationID:   originalID,
		NewOperationID:        newInfo.ID,
		ResumedFromCheckpoint: true,
	}, nil
}
