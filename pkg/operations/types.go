// Package operations implements the central registry for long-running
// operations: creation, progress tracking, status transitions, cancellation,
// retry, and parent/child progress aggregation.
package operations

import "time"

// Id uniquely identifies an operation. IDs made by GenerateID have the
// shape op_[<prefix>_]<type>_<UTC timestamp>_<random suffix>; Service.Create
// also accepts a caller-supplied ID (the POST /operations body may carry
// one), which need not follow that shape.
type Id string

// Type classifies what kind of work an operation represents.
type Type string

const (
	TypeDataLoad     Type = "data_load"
	TypeTraining     Type = "training"
	TypeBacktesting  Type = "backtesting"
	TypeAgentSession Type = "agent_session"
	TypeAgentDesign  Type = "agent_design"
	TypeDummy        Type = "dummy"
)

// Status is the operation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one the operation cannot leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ReconciliationStatus records whether a worker-based operation is waiting
// for its worker to re-register after a backend restart. Empty string means
// "not under reconciliation".
type ReconciliationStatus string

const (
	ReconciliationNone    ReconciliationStatus = ""
	ReconciliationPending ReconciliationStatus = "pending_reconciliation"
)

// Progress describes how far an operation has advanced. Progress updates are
// in-memory only (see Service.UpdateProgress) and are never persisted to the
// repository individually — only the percentage at a Complete or Fail
// call is persisted; Cancel persists no percentage.
type Progress struct {
	Percentage      float64        `json:"percentage"`
	CurrentStep     string         `json:"current_step,omitempty"`
	StepsCompleted  int            `json:"steps_completed,omitempty"`
	StepsTotal      int            `json:"steps_total,omitempty"`
	ItemsProcessed  int            `json:"items_processed,omitempty"`
	ItemsTotal      int            `json:"items_total,omitempty"`
	CurrentItem     string         `json:"current_item,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
}

// ResumableTypes lists operation types the resume coordinator knows how to
// restart from a checkpoint (see pkg/resume).
var ResumableTypes = map[Type]bool{
	TypeTraining:    true,
	TypeBacktesting: true,
}

// Metadata carries caller-supplied context describing what an operation
// operates on. Parameters is an open bag for operation-type-specific detail
// (e.g. training hyperparameters); it is preserved opaquely by the
// repository. The service reads only two keys from it, in Create:
// parent_id (the parent operation) and is_backend_local.
type Metadata struct {
	Symbol     string         `json:"symbol,omitempty"`
	Timeframe  string         `json:"timeframe,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	StartDate  *time.Time     `json:"start_date,omitempty"`
	EndDate    *time.Time     `json:"end_date,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// backendLocalHint reports whether Parameters carries is_backend_local set
// to true, i.e. whether the operation runs inside this process rather than
// on a remote worker. Create copies the result into Info.IsBackendLocal,
// the single typed field every other component reads.
func (m Metadata) backendLocalHint() bool {
	if m.Parameters == nil {
		return false
	}
	v, ok := m.Parameters["is_backend_local"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Info is the full in-memory/API view of an operation.
type Info struct {
	ID                   Id                   `json:"operation_id"`
	Type                 Type                 `json:"operation_type"`
	Status               Status               `json:"status"`
	Progress             Progress             `json:"progress"`
	Metadata             Metadata             `json:"metadata"`
	CreatedAt            time.Time            `json:"created_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	WorkerID             string               `json:"worker_id,omitempty"`
	IsBackendLocal       bool                 `json:"is_backend_local"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status,omitempty"`
	ResultSummary        map[string]any       `json:"result_summary,omitempty"`
	ErrorMessage         string               `json:"error_message,omitempty"`
	ParentID             Id                   `json:"parent_id,omitempty"`
}

// Active reports whether the operation is still pending or running.
func (i Info) Active() bool {
	return i.Status == StatusPending || i.Status == StatusRunning
}

// Record is the flattened, DB-shaped view of an operation, grounded on the
// operations table schema: Info's fields, with Progress reduced to its
// percentage and current step and Metadata/ResultSummary held as JSON,
// plus storage-only bookkeeping (LastHeartbeatAt) that the repository
// round-trips without the service needing to know about it.
type Record struct {
	OperationID          Id                   `json:"operation_id"`
	OperationType        Type                 `json:"operation_type"`
	Status               Status               `json:"status"`
	WorkerID             string               `json:"worker_id,omitempty"`
	IsBackendLocal       bool                 `json:"is_backend_local"`
	CreatedAt            time.Time            `json:"created_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	ProgressPercent      float64              `json:"progress_percent"`
	ProgressMessage      string               `json:"progress_message,omitempty"`
	MetadataJSON         []byte               `json:"metadata,omitempty"`
	ResultJSON           []byte               `json:"result,omitempty"`
	ErrorMessage         string               `json:"error_message,omitempty"`
	LastHeartbeatAt      *time.Time           `json:"last_heartbeat_at,omitempty"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status,omitempty"`
	ParentID             Id                   `json:"parent_id,omitempty"`
}
