package operations

import (
	"context"
	"time"
)

// UpdateFields whitelists the Record columns Repository.Update is allowed to
// touch. Unset pointers are left untouched, mirroring the Python
// repository's "only apply attributes that exist on the record" rule — Go
// has no dynamic attribute check, so the allow-list is explicit instead.
type UpdateFields struct {
	Status               *Status
	WorkerID             *string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ProgressPercent      *float64
	ProgressMessage      *string
	ResultJSON           []byte
	ErrorMessage         *string
	LastHeartbeatAt      *time.Time
	ReconciliationStatus *ReconciliationStatus
}

// Repository is the durable, transactional store backing the operations
// registry (C2). Implementations (see pkg/storage) are expected to provide
// whatever "transactional session" their backend offers; the service layer
// only ever needs Create/Get/Update/List/Delete semantics.
type Repository interface {
	Create(ctx context.Context, record Record) error
	Get(ctx context.Context, id Id) (*Record, error)
	Update(ctx context.Context, id Id, fields UpdateFields) error
	List(ctx context.Context, filter RecordFilter) ([]Record, error)
	Delete(ctx context.Context, id Id) (bool, error)
}

// RecordFilter narrows Repository.List. Zero values mean "no filter".
type RecordFilter struct {
	Status   Status
	Type     Type
	WorkerID string
}
