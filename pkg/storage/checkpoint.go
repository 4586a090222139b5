package storage

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// CheckpointRecord is the durable envelope for a checkpoint blob, stored as
// a sibling bucket to operations (mirroring the separate operation_checkpoints
// table in the relational schema). At most one record is ever live per
// operation_id: SaveCheckpoint overwrites the prior snapshot rather than
// accumulating history.
type CheckpointRecord struct {
	OperationID string            `json:"operation_id"`
	Sequence    int               `json:"sequence"`
	Type        string            `json:"checkpoint_type"`
	CreatedAt   string            `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     []byte            `json:"payload"`
}

func checkpointKey(operationID string) []byte {
	return []byte(operationID)
}

// SaveCheckpoint overwrites the single live checkpoint for an operation.
func (r *BoltRepository) SaveCheckpoint(_ context.Context, rec CheckpointRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		return b.Put(checkpointKey(rec.OperationID), data)
	})
}

// LatestCheckpoint returns the live checkpoint for an operation, or nil if
// none exists.
func (r *BoltRepository) LatestCheckpoint(_ context.Context, operationID string) (*CheckpointRecord, error) {
	var rec *CheckpointRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		v := b.Get(checkpointKey(operationID))
		if v == nil {
			return nil
		}
		rec = &CheckpointRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return rec, nil
}

// ListCheckpoints returns the live checkpoint for an operation as a
// single-element slice, or an empty slice if none exists — the interface
// retains its plural shape for callers, even though only one record is ever
// retained per operation.
func (r *BoltRepository) ListCheckpoints(ctx context.Context, operationID string) ([]CheckpointRecord, error) {
	rec, err := r.LatestCheckpoint(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return []CheckpointRecord{*rec}, nil
}

// DeleteCheckpoints removes the checkpoint recorded for an operation, used
// once a resumed operation has successfully picked its state back up.
func (r *BoltRepository) DeleteCheckpoints(_ context.Context, operationID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.Delete(checkpointKey(operationID))
	})
}
