// Package api implements the HTTP control-plane surface (§6): JSON in,
// JSON out, versioned under /api/v1, built directly on net/http's
// ServeMux pattern routing rather than a third-party router — the
// convention the whole retrieval pack follows for this concern.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ktrdr/opscore/pkg/checkpoint"
	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/ktrdr/opscore/pkg/orphan"
	"github.com/ktrdr/opscore/pkg/resume"
	"github.com/ktrdr/opscore/pkg/worker"
)

// Server is the HTTP control-plane surface: it holds no state of its own,
// only references to the services that do.
type Server struct {
	ops     *operations.Service
	ckpt    *checkpoint.Service
	resumer *resume.Coordinator
	workers *worker.Registry
	orphans *orphan.Detector
	mux     *http.ServeMux
}

// NewServer builds the route table described by spec.md §6 plus the
// supplemented internal introspection routes.
func NewServer(ops *operations.Service, ckpt *checkpoint.Service, resumer *resume.Coordinator, workers *worker.Registry, orphans *orphan.Detector) *Server {
	s := &Server{ops: ops, ckpt: ckpt, resumer: resumer, workers: workers, orphans: orphans}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/operations", s.instrument("CreateOperation", s.createOperation))
	mux.HandleFunc("GET /api/v1/operations", s.instrument("ListOperations", s.listOperations))
	mux.HandleFunc("DELETE /api/v1/operations", s.instrument("CleanupOperations", s.cleanupOperations))
	mux.HandleFunc("GET /api/v1/operations/{id}", s.instrument("GetOperation", s.getOperation))
	mux.HandleFunc("GET /api/v1/operations/{id}/metrics", s.instrument("GetOperationMetrics", s.getOperationMetrics))
	mux.HandleFunc("DELETE /api/v1/operations/{id}/cancel", s.instrument("CancelOperation", s.cancelOperation))
	mux.HandleFunc("POST /api/v1/operations/{id}/resume", s.instrument("ResumeOperation", s.resumeOperation))
	mux.HandleFunc("GET /api/v1/internal/orphan-detector", s.instrument("OrphanDetectorStatus", s.orphanDetectorStatus))
	mux.HandleFunc("POST /api/v1/workers/register", s.instrument("RegisterWorker", s.registerWorker))
	mux.HandleFunc("POST /api/v1/workers/{id}/claim", s.instrument("MarkWorkerBusy", s.markWorkerBusy))
	mux.HandleFunc("DELETE /api/v1/workers/{id}/claim", s.instrument("MarkWorkerIdle", s.markWorkerIdle))
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", metrics.Handler())
	s.mux = mux
	return s
}

// Handler returns the root HTTP handler, for embedding in an *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// instrument wraps a handler with the API request metrics every /api/v1
// route carries (§6's "Metrics Instrumentation" requirement, generalized from the
// teacher's per-RPC metrics wrapper to per-route).
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, statusBucket(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusBucket(code int) string {
	switch {
	case code < 300:
		return "success"
	case code < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

// envelope is the unchanged {success, data, error} response shape from
// spec.md §6.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// statusForError maps the error kinds §7 distinguishes onto HTTP status
// codes: 404 not found, 409 duplicate/illegal transition, 500 internal.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, operations.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, operations.ErrDuplicateID), errors.Is(err, operations.ErrIllegalTransition),
		errors.Is(err, operations.ErrRetryNotFailed), errors.Is(err, operations.ErrInvalidParent),
		errors.Is(err, resume.ErrNotResumableStatus),
		errors.Is(err, resume.ErrUnsupportedType), errors.Is(err, resume.ErrNoCheckpoint):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func logHandlerError(route string, err error) {
	log.WithComponent("api").Warn(route + ": " + err.Error())
}
