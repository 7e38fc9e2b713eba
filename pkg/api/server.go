package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/engine"
	"github.com/Mindburn-Labs/warden/pkg/gate"
	"github.com/Mindburn-Labs/warden/pkg/limiter"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/session"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Server exposes the coordination API over HTTP.
type Server struct {
	engine      *engine.Engine
	agentLimits limiter.Store
	agentPolicy limiter.Policy
	logger      *slog.Logger
}

// NewServer wires the engine behind the HTTP surface. agentLimits may be
// nil to disable per-agent rate limiting.
func NewServer(eng *engine.Engine, agentLimits limiter.Store, agentPolicy limiter.Policy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:      eng,
		agentLimits: agentLimits,
		agentPolicy: agentPolicy,
		logger:      logger,
	}
}

// Handler builds the full middleware-wrapped route table. obs may be nil
// to skip the telemetry layer.
func (s *Server) Handler(ipLimiter *GlobalRateLimiter, obs *observability.Provider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/v1/tasks", s.HandleCreateTask)
	mux.HandleFunc("/v1/claim", s.HandleClaim)
	mux.HandleFunc("/v1/transition", s.HandleTransition)
	mux.HandleFunc("/v1/tool/execute", s.HandleToolExecute)
	mux.HandleFunc("/v1/snapshot", s.HandleSnapshot)
	mux.HandleFunc("/v1/session/finish", s.HandleFinish)
	mux.HandleFunc("/v1/audit/verify", s.HandleAuditVerify)
	mux.HandleFunc("/v1/audit/export", s.HandleAuditExport)
	mux.HandleFunc("/v1/heal/force-release", s.HandleForceRelease)
	mux.HandleFunc("/v1/heal/unquarantine", s.HandleUnquarantine)
	mux.HandleFunc("/v1/heal/restore", s.HandleRestore)

	var h http.Handler = mux
	if ipLimiter != nil {
		h = ipLimiter.Middleware(h)
	}
	h = Telemetry(obs, h)
	h = Logging(s.logger, h)
	h = RequestID(h)
	return h
}

// writeEngineError maps engine denials onto the API's status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNoEligibleTask), errors.Is(err, engine.ErrUnknownTask):
		WriteNotFound(w, err.Error())
	case errors.Is(err, engine.ErrConcurrentClaimConflict),
		errors.Is(err, engine.ErrDependencyUnsatisfied),
		errors.Is(err, engine.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	case errors.Is(err, engine.ErrInvalidToken),
		errors.Is(err, engine.ErrToolNotPermitted),
		errors.Is(err, engine.ErrInvalidToolArgs):
		WriteForbidden(w, err.Error())
	case errors.Is(err, engine.ErrStateCorruption):
		WriteServiceUnavailable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealth reports liveness and audit chain integrity.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ok, detail := s.engine.VerifyChain()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      map[bool]string{true: "ok", false: "degraded"}[ok],
		"session_id":  s.engine.SessionID(),
		"audit_chain": detail,
	})
}

// CreateTaskRequest registers a task.
type CreateTaskRequest struct {
	TaskID       string   `json:"task_id"`
	Dependencies []string `json:"dependencies,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

// HandleCreateTask handles POST /v1/tasks.
func (s *Server) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req CreateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		WriteBadRequest(w, "Missing required field: task_id")
		return
	}
	task, err := s.engine.CreateTask(req.TaskID, req.Dependencies, req.Priority)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownTask) {
			WriteBadRequest(w, err.Error())
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ClaimRequest asks for a task assignment. TaskID empty means "next
// eligible".
type ClaimRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
}

// ClaimResponse carries the assignment and its capability token.
type ClaimResponse struct {
	Task  *session.Task `json:"task"`
	Token string        `json:"token"`
}

// HandleClaim handles POST /v1/claim.
func (s *Server) HandleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, "Missing required field: agent_id")
		return
	}
	if err := s.checkAgentLimit(r.Context(), req.AgentID); err != nil {
		WriteTooManyRequests(w, 5)
		return
	}
	task, token, err := s.engine.Claim(r.Context(), req.AgentID, req.TaskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{Task: task, Token: token})
}

// TransitionRequest asks to advance a task to the target phase.
type TransitionRequest struct {
	TaskID      string   `json:"task_id"`
	Token       string   `json:"token"`
	TargetPhase string   `json:"target_phase"`
	Artifacts   []string `json:"artifacts,omitempty"`
}

// TransitionResponse carries the successor token and the gate outcome.
type TransitionResponse struct {
	Token  string      `json:"token"`
	Result gate.Result `json:"result"`
}

// HandleTransition handles POST /v1/transition.
func (s *Server) HandleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req TransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.Token == "" || req.TargetPhase == "" {
		WriteBadRequest(w, "Missing required fields: task_id, token, target_phase")
		return
	}
	token, result, err := s.engine.RequestTransition(r.Context(), req.TaskID, req.Token, req.TargetPhase, req.Artifacts)
	if err != nil {
		if errors.Is(err, engine.ErrGateBlocked) {
			WriteGateBlocked(w, err.Error(), result.Violations)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Token: token, Result: result})
}

// ToolExecuteRequest asks to run a tool under the task's current phase.
type ToolExecuteRequest struct {
	TaskID string          `json:"task_id"`
	Token  string          `json:"token"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// HandleToolExecute handles POST /v1/tool/execute.
func (s *Server) HandleToolExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req ToolExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.Token == "" || req.Tool == "" {
		WriteBadRequest(w, "Missing required fields: task_id, token, tool")
		return
	}
	result, err := s.engine.UseTool(r.Context(), req.TaskID, req.Token, req.Tool, req.Args)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSnapshot handles GET /v1/snapshot. With ?task_id= it returns one
// task; without, the whole session document. Reads never mutate state.
func (s *Server) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		task, err := s.engine.SnapshotTask(taskID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleAuditVerify handles GET /v1/audit/verify.
func (s *Server) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	ok, detail := s.engine.VerifyChain()
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "detail": detail})
}

// HandleAuditExport handles GET /v1/audit/export, streaming the chain as
// JSON lines.
func (s *Server) HandleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := audit.Export(w, s.engine.AuditRecords()); err != nil {
		s.logger.Error("audit export failed", "error", err)
	}
}

// HandleFinish handles POST /v1/session/finish, archiving the session.
// The server keeps running so operators can still export the archived
// chain, but every later mutation fails against the archived store.
func (s *Server) HandleFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if err := s.engine.Finish(); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// ForceReleaseRequest frees a stuck claim.
type ForceReleaseRequest struct {
	TaskID string `json:"task_id"`
	Token  string `json:"token"`
}

// HandleForceRelease handles POST /v1/heal/force-release.
func (s *Server) HandleForceRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req ForceReleaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.Token == "" {
		WriteBadRequest(w, "Missing required fields: task_id, token")
		return
	}
	if err := s.engine.ForceRelease(req.TaskID, req.Token); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// UnquarantineRequest clears a quarantine after operator review.
type UnquarantineRequest struct {
	Note string `json:"note"`
}

// HandleUnquarantine handles POST /v1/heal/unquarantine.
func (s *Server) HandleUnquarantine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req UnquarantineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.Unquarantine(req.Note); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// RestoreRequest forks state back to a checkpoint.
type RestoreRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

// HandleRestore handles POST /v1/heal/restore.
func (s *Server) HandleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req RestoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CheckpointID == "" {
		WriteBadRequest(w, "Missing required field: checkpoint_id")
		return
	}
	if err := s.engine.RestoreCheckpoint(req.CheckpointID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) checkAgentLimit(ctx context.Context, agentID string) error {
	if s.agentLimits == nil {
		return nil
	}
	return limiter.Check(ctx, s.agentLimits, agentID, s.agentPolicy)
}
