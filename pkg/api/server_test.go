package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ktrdr/opscore/pkg/checkpoint"
	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/ktrdr/opscore/pkg/orphan"
	"github.com/ktrdr/opscore/pkg/resume"
	"github.com/ktrdr/opscore/pkg/storage"
	"github.com/ktrdr/opscore/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noState struct{}

func (noState) OperationState(_ context.Context, _ string) (map[string]any, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	repo, err := storage.NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ops := operations.NewService(repo)
	ckpt := checkpoint.NewService(repo, noState{})
	workers := worker.NewRegistry(0, 0)
	workers.SetOperationsService(ops)
	orphans := orphan.NewDetector(ops, workers, orphan.DefaultConfig())
	resumer := resume.NewCoordinator(ops, ckpt)

	return NewServer(ops, ckpt, resumer, workers, orphans)
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestCreateAndGetOperation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/operations", createOperationRequest{
		Type:     string(operations.TypeTraining),
		Metadata: metadataDTO{Symbol: "AAPL"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)

	created := env.Data.(map[string]any)
	id := created["operation_id"].(string)

	rec = doRequest(s, http.MethodGet, "/api/v1/operations/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestGetOperationNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/v1/operations/op_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestListOperations(t *testing.T) {
	s := newTestServer(t)
	doRequest(s, http.MethodPost, "/api/v1/operations", createOperationRequest{Type: string(operations.TypeDataLoad)})
	doRequest(s, http.MethodPost, "/api/v1/operations", createOperationRequest{Type: string(operations.TypeTraining)})

	rec := doRequest(s, http.MethodGet, "/api/v1/operations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
	data := env.Data.(map[string]any)
	assert.Equal(t, float64(2), data["total"])
}

func TestCancelOperation(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/api/v1/operations", createOperationRequest{Type: string(operations.TypeTraining)})
	env := decodeEnvelope(t, rec)
	id := env.Data.(map[string]any)["operation_id"].(string)

	rec = doRequest(s, http.MethodDelete, "/api/v1/operations/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestResumeUnsupportedTypeReturnsConflict(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	info, err := s.ops.Create(ctx, operations.TypeDataLoad, operations.Metadata{}, "")
	require.NoError(t, err)
	require.NoError(t, s.ops.Start(ctx, info.ID, nil, nil))
	require.NoError(t, s.ops.Fail(ctx, info.ID, "boom", false))

	rec := doRequest(s, http.MethodPost, "/api/v1/operations/"+string(info.ID)+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
}

func TestOrphanDetectorStatusRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/v1/internal/orphan-detector", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestMetricsSinceRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/api/v1/operations", createOperationRequest{Type: string(operations.TypeTraining)})
	env := decodeEnvelope(t, rec)
	id := env.Data.(map[string]any)["operation_id"].(string)
	require.NoError(t, s.ops.Start(context.Background(), operations.Id(id), nil, nil))
	s.ops.UpdateProgress(operations.Id(id), operations.Progress{
		Percentage: 10,
		Metrics:    map[string]any{"loss": 0.5},
	})

	rec = doRequest(s, http.MethodGet, "/api/v1/operations/"+id+"/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	require.True(t, env.Success)
	data := env.Data.(map[string]any)
	assert.NotEmpty(t, data["metrics"])
}
