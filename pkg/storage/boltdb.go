// Package storage provides the durable, transactional backing store for the
// operations registry (C2) and its checkpoints (C7), implemented over
// go.etcd.io/bbolt. BoltDB's single-writer transactional update/view pair is
// the "transactional session abstraction" the rest of the system assumes —
// a relational engine wired behind a *sql.DB/*sql.Tx pair would satisfy the
// same operations.Repository interface without any caller-visible change.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/ktrdr/opscore/pkg/operations"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOperations  = []byte("operations")
	bucketCheckpoints = []byte("operation_checkpoints")
)

// BoltRepository implements operations.Repository over a BoltDB file.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository opens (creating if necessary) the database file under
// dataDir and ensures both buckets exist.
func NewBoltRepository(dataDir string) (*BoltRepository, error) {
	dbPath := filepath.Join(dataDir, "opscore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open operations database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOperations, bucketCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRepository{db: db}, nil
}

// Close closes the underlying database file.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

// Create persists a new operation record. ctx is accepted for interface
// symmetry with a networked backend; BoltDB transactions are local and
// never block on it.
func (r *BoltRepository) Create(_ context.Context, record operations.Record) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		key := []byte(record.OperationID)
		if b.Get(key) != nil {
			return operations.ErrDuplicateID
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal operation record: %w", err)
		}
		return b.Put(key, data)
	})
}

// Get fetches a single operation record by ID.
func (r *BoltRepository) Get(_ context.Context, id operations.Id) (*operations.Record, error) {
	var rec operations.Record
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(id))
		if data == nil {
			return operations.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update applies only the whitelisted fields set in UpdateFields, leaving
// everything else untouched — the Go analogue of the Python repository's
// dynamic hasattr-based partial update.
func (r *BoltRepository) Update(_ context.Context, id operations.Id, fields operations.UpdateFields) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		key := []byte(id)
		data := b.Get(key)
		if data == nil {
			return operations.ErrNotFound
		}

		var rec operations.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal operation record: %w", err)
		}

		if fields.Status != nil {
			rec.Status = *fields.Status
			if rec.Status.Terminal() && rec.CompletedAt == nil && fields.CompletedAt == nil {
				now := time.Now().UTC()
				rec.CompletedAt = &now
			}
		}
		if fields.WorkerID != nil {
			rec.WorkerID = *fields.WorkerID
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
		if fields.ProgressMessage != nil {
			rec.ProgressMessage = *fields.ProgressMessage
		}
		if fields.ResultJSON != nil {
			rec.ResultJSON = fields.ResultJSON
		}
		if fields.ErrorMessage != nil {
			rec.ErrorMessage = *fields.ErrorMessage
		}
		if fields.LastHeartbeatAt != nil {
			rec.LastHeartbeatAt = fields.LastHeartbeatAt
		}
		if fields.ReconciliationStatus != nil {
			rec.ReconciliationStatus = *fields.ReconciliationStatus
		}

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal updated operation record: %w", err)
		}
		return b.Put(key, updated)
	})
}

// List scans the operations bucket, applying filter in-memory (BoltDB has
// no secondary indexes; a deployment backed by a relational engine would
// push these predicates into the WHERE clause instead).
func (r *BoltRepository) List(_ context.Context, filter operations.RecordFilter) ([]operations.Record, error) {
	var records []operations.Record
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		return b.ForEach(func(_, v []byte) error {
			var rec operations.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal operation record: %w", err)
			}
			if filter.Status != "" && rec.Status != filter.Status {
				return nil
			}
			if filter.Type != "" && rec.OperationType != filter.Type {
				return nil
			}
			if filter.WorkerID != "" && rec.WorkerID != filter.WorkerID {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

// Delete removes an operation record, reporting whether it existed.
func (r *BoltRepository) Delete(_ context.Context, id operations.Id) (bool, error) {
	existed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		key := []byte(id)
		if b.Get(key) != nil {
			existed = true
		}
		return b.Delete(key)
	})
	return existed, err
}
