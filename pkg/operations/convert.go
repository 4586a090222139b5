package operations

import (
	"encoding/json"

	"github.com/ktrdr/opscore/pkg/log"
)

// recordToInfo converts a durable Record into the in-memory/API Info shape,
// degrading gracefully on unrecognized type/status values instead of
// failing the read — an old record written by a since-removed operation
// type must still be listable.
func recordToInfo(r Record) Info {
	opType := r.OperationType
	if !validType(opType) {
		log.WithComponent("operations").Warn("unknown operation_type in record, defaulting to dummy: " + string(opType))
		opType = TypeDummy
	}

	status := r.Status
	if !validStatus(status) {
		log.WithComponent("operations").Warn("unknown status in record, defaulting to pending: " + string(status))
		status = StatusPending
	}

	var meta Metadata
	if len(r.MetadataJSON) > 0 {
		_ = json.Unmarshal(r.MetadataJSON, &meta)
	}

	var result map[string]any
	if len(r.ResultJSON) > 0 {
		_ = json.Unmarshal(r.ResultJSON, &result)
	}

	return Info{
		ID:     r.OperationID,
		Type:   opType,
		Status: status,
		Progress: Progress{
			Percentage:  r.ProgressPercent,
			CurrentStep: r.ProgressMessage,
		},
		Metadata:             meta,
		CreatedAt:            r.CreatedAt,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
		WorkerID:             r.WorkerID,
		IsBackendLocal:       r.IsBackendLocal,
		ReconciliationStatus: r.ReconciliationStatus,
		ResultSummary:        result,
		ErrorMessage:         r.ErrorMessage,
		ParentID:             r.ParentID,
	}
}

// infoToRecord flattens an Info into its durable Record shape.
func infoToRecord(i Info) Record {
	metaJSON, _ := json.Marshal(i.Metadata)
	var resultJSON []byte
	if i.ResultSummary != nil {
		resultJSON, _ = json.Marshal(i.ResultSummary)
	}

	return Record{
		OperationID:          i.ID,
		OperationType:        i.Type,
		Status:               i.Status,
		WorkerID:             i.WorkerID,
		IsBackendLocal:       i.IsBackendLocal,
		CreatedAt:            i.CreatedAt,
		StartedAt:            i.StartedAt,
		CompletedAt:          i.CompletedAt,
		ProgressPercent:      i.Progress.Percentage,
		ProgressMessage:      i.Progress.CurrentStep,
		MetadataJSON:         metaJSON,
		ResultJSON:           resultJSON,
		ErrorMessage:         i.ErrorMessage,
		ReconciliationStatus: i.ReconciliationStatus,
		ParentID:             i.ParentID,
	}
}

func validType(t Type) bool {
	switch t {
	case TypeDataLoad, TypeTraining, TypeBacktesting, TypeAgentSession, TypeAgentDesign, TypeDummy:
		return true
	default:
		return false
	}
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
