package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopstacks/control-plane/internal/api/handlers"
	"github.com/loopstacks/control-plane/internal/cluster"
	"github.com/loopstacks/control-plane/internal/config"
	"github.com/loopstacks/control-plane/internal/coordinator"
	"github.com/loopstacks/control-plane/internal/fanout"
	"github.com/loopstacks/control-plane/internal/store"
	"github.com/loopstacks/control-plane/pkg/models"
)

type testEnv struct {
	store   *store.MemoryStore
	dir     cluster.Directory
	coord   *coordinator.Coordinator
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	dir := cluster.NewMemoryDirectory()
	coord := coordinator.New(s, dir, coordinator.Config{
		BiddingWindow:   20 * time.Millisecond,
		ExecutionWindow: 20 * time.Millisecond,
	})
	hub := fanout.NewHub(s)
	t.Cleanup(hub.Close)

	cfg := &config.Config{Version: "test"}
	h := handlers.New(s, dir, coord)
	return &testEnv{
		store:   s,
		dir:     dir,
		coord:   coord,
		handler: NewRouter(cfg, h, hub),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedLoopStack(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/loopstacks", map[string]any{
		"metadata": map[string]any{"name": "summarizer"},
		"spec": map[string]any{
			"loops": []map[string]any{{
				"loopId":               "DO",
				"requiredCapabilities": []string{"summarize"},
				"timeout":              5000,
				"aggregation":          map[string]any{"strategy": "collect_all"},
			}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = e.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test")
}

func TestCreateExecutionUnknownLoopstack(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"loopstack": "missing",
		"input":     map[string]any{"text": "x"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateExecutionAccepted(t *testing.T) {
	e := newTestEnv(t)
	e.seedLoopStack(t)
	require.NoError(t, e.store.RegisterAgent(context.Background(), models.AgentRecord{
		AgentID:      "agent-1",
		Capabilities: []string{"summarize"},
	}))

	rec := e.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"loopstack": "summarizer",
		"input":     map[string]any{"text": "hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "pending", resp.Status)

	rec = e.do(t, http.MethodGet, "/api/v1/executions/"+resp.ExecutionID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	e.coord.Drain()
}

func TestGetExecutionMissing(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCompletedExecutionConflicts(t *testing.T) {
	e := newTestEnv(t)
	e.seedLoopStack(t)
	require.NoError(t, e.store.RegisterAgent(context.Background(), models.AgentRecord{
		AgentID:      "agent-1",
		Capabilities: []string{"summarize"},
	}))

	rec := e.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"loopstack": "summarizer",
		"input":     map[string]any{"text": "hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.NoError(t, e.store.SubmitBid(context.Background(), resp.ExecutionID, "agent-1", models.Bid{
		AgentID: "agent-1", Confidence: 0.9, Timestamp: time.Now().UnixMilli(),
	}))
	e.coord.Drain()

	rec = e.do(t, http.MethodPost, "/api/v1/executions/"+resp.ExecutionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelMissingExecution(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/executions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoopStackValidationRejected(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/loopstacks", map[string]any{
		"metadata": map[string]any{"name": "Bad_Name"},
		"spec":     map[string]any{"loops": []map[string]any{}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	// Violations are reported together.
	assert.Contains(t, rec.Body.String(), "metadata name must match")
	assert.Contains(t, rec.Body.String(), "at least one loop is required")
}

func TestResourceCRUD(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/realms", map[string]any{
		"metadata": map[string]any{"name": "staging-realm"},
		"spec":     map[string]any{"description": "staging"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate create conflicts.
	rec = e.do(t, http.MethodPost, "/api/v1/realms", map[string]any{
		"metadata": map[string]any{"name": "staging-realm"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/realms/staging-realm", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/realms/staging-realm", map[string]any{
		"metadata": map[string]any{"name": "staging-realm"},
		"spec":     map[string]any{"description": "updated"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/realms", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "staging-realm")

	rec = e.do(t, http.MethodDelete, "/api/v1/realms/staging-realm", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/realms/staging-realm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceNamespaceIsolation(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/agents?namespace=staging", map[string]any{
		"metadata": map[string]any{"name": "summarizer"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/agents/summarizer", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/agents/summarizer?namespace=staging", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActiveAgents(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/agents/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	require.NoError(t, e.store.RegisterAgent(context.Background(), models.AgentRecord{
		AgentID:      "agent-1",
		Capabilities: []string{"summarize"},
		Realm:        models.DefaultRealm,
	}))
	rec = e.do(t, http.MethodGet, "/api/v1/agents/active", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent-1")
}
