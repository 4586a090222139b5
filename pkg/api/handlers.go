package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/ktrdr/opscore/pkg/worker"
)

// createOperationRequest mirrors spec.md §6's POST /operations body.
type createOperationRequest struct {
	Type              string      `json:"type"`
	Metadata          metadataDTO `json:"metadata"`
	ID                string      `json:"id,omitempty"`
	ParentOperationID string      `json:"parent_operation_id,omitempty"`
}

type metadataDTO struct {
	Symbol     string         `json:"symbol,omitempty"`
	Timeframe  string         `json:"timeframe,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	params := req.Metadata.Parameters
	if req.ParentOperationID != "" {
		if params == nil {
			params = make(map[string]any, 1)
		}
		params["parent_id"] = req.ParentOperationID
	}

	meta := operations.Metadata{
		Symbol:     req.Metadata.Symbol,
		Timeframe:  req.Metadata.Timeframe,
		Mode:       req.Metadata.Mode,
		Parameters: params,
	}

	info, err := s.ops.Create(r.Context(), operations.Type(req.Type), meta, operations.Id(req.ID))
	if err != nil {
		logHandlerError("create_operation", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeData(w, http.StatusCreated, info)
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id := operations.Id(r.PathValue("id"))
	info, err := s.ops.Get(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	if info.WorkerID != "" && !info.IsBackendLocal {
		if client, ok := s.workers.Client(info.WorkerID); ok {
			var proxied operations.Info
			if err := client.Do(r.Context(), http.MethodGet, "/api/v1/operations/"+string(id), nil, &proxied); err == nil {
				writeData(w, http.StatusOK, proxied)
				return
			}
			// fall through to the cached local copy on proxy failure
		}
	}
	writeData(w, http.StatusOK, info)
}

func (s *Server) getOperationMetrics(w http.ResponseWriter, r *http.Request) {
	id := operations.Id(r.PathValue("id"))
	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cursor = v
		}
	}

	samples, next, err := s.ops.MetricsSince(id, cursor)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"metrics": samples,
		"cursor":  next,
	})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := operations.ListFilter{
		Status:     operations.Status(q.Get("status")),
		Type:       operations.Type(q.Get("operation_type")),
		ActiveOnly: q.Get("active_only") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Offset = v
		}
	}

	page, total, active := s.ops.List(filter)
	writeData(w, http.StatusOK, map[string]any{
		"operations":     page,
		"total":          total,
		"active_count":   active,
	})
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id := operations.Id(r.PathValue("id"))
	reason := r.URL.Query().Get("reason")

	result, err := s.ops.Cancel(r.Context(), id, reason)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) resumeOperation(w http.ResponseWriter, r *http.Request) {
	id := operations.Id(r.PathValue("id"))
	result, err := s.resumer.Resume(r.Context(), id)
	if err != nil {
		logHandlerError("resume_operation", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) cleanupOperations(w http.ResponseWriter, r *http.Request) {
	olderThan := 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			olderThan = d
		}
	}

	removed, err := s.ops.CleanupOlderThan(r.Context(), olderThan)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) orphanDetectorStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.orphans.Status())
}

// completedOperationDTO mirrors one entry of a register_worker request's
// completed_operations payload (§4.4): work a worker finished while the
// control plane was unreachable, reported so it can be reconciled.
type completedOperationDTO struct {
	OperationID  string         `json:"operation_id"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

type registerWorkerRequest struct {
	WorkerID            string                  `json:"worker_id"`
	WorkerType          string                  `json:"worker_type"`
	EndpointURL         string                  `json:"endpoint_url"`
	CompletedOperations []completedOperationDTO `json:"completed_operations,omitempty"`
}

// registerWorker is the out-of-process entry point for (re-)registration:
// workers self-register here, optionally carrying reports of operations
// they finished while the control plane was unreachable.
func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	completed := make([]worker.CompletedOperation, 0, len(req.CompletedOperations))
	for _, c := range req.CompletedOperations {
		completed = append(completed, worker.CompletedOperation{
			OperationID:  c.OperationID,
			Status:       c.Status,
			ErrorMessage: c.ErrorMessage,
			Result:       c.Result,
		})
	}

	s.workers.Register(req.WorkerID, req.WorkerType, req.EndpointURL, completed)
	writeData(w, http.StatusOK, map[string]any{"registered": true})
}

type markBusyRequest struct {
	OperationID string `json:"operation_id"`
}

func (s *Server) markWorkerBusy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req markBusyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.workers.MarkBusy(id, req.OperationID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"claimed": true})
}

func (s *Server) markWorkerIdle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.workers.MarkIdle(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"claimed": false})
}
