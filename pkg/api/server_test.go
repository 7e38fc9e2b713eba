package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/capability"
	"github.com/Mindburn-Labs/warden/pkg/engine"
	"github.com/Mindburn-Labs/warden/pkg/limiter"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/workflow"
)

const apiTestDefinition = `
name: dev-loop
version: 1.0.0
phases:
  - id: PLAN
    allowed_tools:
      - name: read_files
  - id: IMPLEMENT
    required_artifacts:
      - path: plan.md
  - id: COMPLETE
`

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, _ string, args json.RawMessage) (json.RawMessage, error) {
	if args == nil {
		args = json.RawMessage(`{}`)
	}
	return args, nil
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	def, err := workflow.Load([]byte(apiTestDefinition))
	require.NoError(t, err)
	tokens, err := capability.NewHMACService([]byte("0123456789abcdef0123456789abcdef"), "warden-test")
	require.NoError(t, err)

	eng, err := engine.Open(engine.Config{
		SessionID:  "s-api",
		Store:      session.NewStore(session.NewResolver(t.TempDir())),
		Definition: def,
		Tokens:     tokens,
		Executor:   echoExecutor{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return NewServer(eng, nil, limiter.Policy{}, nil), eng
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func claim(t *testing.T, srv *Server, agentID, taskID string) ClaimResponse {
	t.Helper()
	rec := doJSON(t, srv.HandleClaim, http.MethodPost, "/v1/claim", ClaimRequest{AgentID: agentID, TaskID: taskID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateAndClaimTask(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := claim(t, srv, "agent-a", "t1")
	assert.Equal(t, "t1", resp.Task.TaskID)
	assert.Equal(t, "PLAN", resp.Task.CurrentPhase)
	assert.NotEmpty(t, resp.Token)
}

func TestClaimStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	claim(t, srv, "agent-a", "t1")

	tests := []struct {
		name string
		req  ClaimRequest
		want int
	}{
		{"already claimed", ClaimRequest{AgentID: "agent-b", TaskID: "t1"}, http.StatusConflict},
		{"unknown task", ClaimRequest{AgentID: "agent-b", TaskID: "nope"}, http.StatusNotFound},
		{"no eligible task", ClaimRequest{AgentID: "agent-b"}, http.StatusNotFound},
		{"missing agent id", ClaimRequest{TaskID: "t1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv.HandleClaim, http.MethodPost, "/v1/claim", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestTransitionGateBlockedReturns422(t *testing.T) {
	srv, eng := newTestServer(t)
	doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})
	resp := claim(t, srv, "agent-a", "t1")

	rec := doJSON(t, srv.HandleTransition, http.MethodPost, "/v1/transition", TransitionRequest{
		TaskID: "t1", Token: resp.Token, TargetPhase: "IMPLEMENT",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.NotEmpty(t, problem.Violations)
	assert.Contains(t, problem.Violations[0], "plan.md")

	// Satisfy the gate and retry with the same token.
	require.NoError(t, os.WriteFile(filepath.Join(eng.ArtifactRoot(), "plan.md"), []byte("# plan"), 0o644))
	rec = doJSON(t, srv.HandleTransition, http.MethodPost, "/v1/transition", TransitionRequest{
		TaskID: "t1", Token: resp.Token, TargetPhase: "IMPLEMENT",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tr TransitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.True(t, tr.Result.Passed)
	assert.NotEmpty(t, tr.Token)
}

func TestTransitionWithBadTokenReturns403(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})
	claim(t, srv, "agent-a", "t1")

	rec := doJSON(t, srv.HandleTransition, http.MethodPost, "/v1/transition", TransitionRequest{
		TaskID: "t1", Token: "not-a-jwt", TargetPhase: "IMPLEMENT",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestToolExecute(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})
	resp := claim(t, srv, "agent-a", "t1")

	rec := doJSON(t, srv.HandleToolExecute, http.MethodPost, "/v1/tool/execute", ToolExecuteRequest{
		TaskID: "t1", Token: resp.Token, Tool: "read_files", Args: json.RawMessage(`{"path":"plan.md"}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv.HandleToolExecute, http.MethodPost, "/v1/tool/execute", ToolExecuteRequest{
		TaskID: "t1", Token: resp.Token, Tool: "deploy",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestSnapshotAndAuditEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})

	rec := doJSON(t, srv.HandleSnapshot, http.MethodGet, "/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc session.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Tasks, "t1")

	rec = doJSON(t, srv.HandleSnapshot, http.MethodGet, "/v1/snapshot?task_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task session.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "t1", task.TaskID)

	rec = doJSON(t, srv.HandleSnapshot, http.MethodGet, "/v1/snapshot?task_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv.HandleAuditVerify, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	rec = doJSON(t, srv.HandleAuditExport, http.MethodGet, "/v1/audit/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.GreaterOrEqual(t, len(lines), 2)
}

func TestAgentRateLimit(t *testing.T) {
	srvBase, _ := newTestServer(t)
	now := time.Unix(1_700_000_000, 0)
	store := limiter.NewMemoryStore().WithClock(func() time.Time { return now })
	srv := NewServer(srvBase.engine, store, limiter.Policy{RequestsPerMinute: 60, Burst: 1}, nil)

	doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})

	rec := doJSON(t, srv.HandleClaim, http.MethodPost, "/v1/claim", ClaimRequest{AgentID: "agent-a", TaskID: "t1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.HandleClaim, http.MethodPost, "/v1/claim", ClaimRequest{AgentID: "agent-a", TaskID: "t1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.HandleClaim, http.MethodGet, "/v1/claim", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoutedHandlerSetsRequestID(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestTelemetryMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)
	obs, err := observability.New(context.Background(), nil)
	require.NoError(t, err)
	handler := srv.Handler(nil, obs)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Error-path status codes pass through the recording layer unchanged.
	req = httptest.NewRequest(http.MethodDelete, "/v1/claim", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFinishArchivesSession(t *testing.T) {
	srv, eng := newTestServer(t)
	doJSON(t, srv.HandleCreateTask, http.MethodPost, "/v1/tasks", CreateTaskRequest{TaskID: "t1"})

	rec := doJSON(t, srv.HandleFinish, http.MethodPost, "/v1/session/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "archived")

	// The archived chain is still readable in memory.
	records := eng.AuditRecords()
	require.NotEmpty(t, records)
	assert.Equal(t, "session_finished", records[len(records)-1].Action)

	rec = doJSON(t, srv.HandleFinish, http.MethodGet, "/v1/session/finish", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
