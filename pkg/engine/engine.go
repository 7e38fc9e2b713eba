// Package engine is the single authority for "is this allowed". It composes
// the capability token service, the gate engine, the tool access controller,
// the audit log, and the checkpoint manager into the phase state machine
// that answers "can task T move from phase A to phase B given these
// artifacts" and "can task T use tool X right now".
//
// There is no ambient global: an Engine instance holds its own lock and
// store handle and is passed explicitly to every handler. All mutating
// operations on the session serialize through that one lock; snapshot reads
// clone state copy-on-read and never mutate or migrate anything.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/capability"
	"github.com/Mindburn-Labs/warden/pkg/checkpoint"
	"github.com/Mindburn-Labs/warden/pkg/gate"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/Mindburn-Labs/warden/pkg/toolaccess"
	"github.com/Mindburn-Labs/warden/pkg/workflow"
)

// DefaultTokenTTL bounds capability tokens that do not declare their own.
const DefaultTokenTTL = 15 * time.Minute

// ToolExecutor runs an approved tool invocation. Tool semantics belong to
// external collaborators; the engine only decides whether the call may
// happen and audits that it did.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// ToolResult is the outcome of an approved, executed tool call.
type ToolResult struct {
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Metrics receives enforcement decision counts. The observability package
// provides the OpenTelemetry implementation.
type Metrics interface {
	RecordDecision(action, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(string, string) {}

// Config assembles an Engine.
type Config struct {
	SessionID  string
	Store      *session.Store
	Definition *workflow.Definition
	Tokens     *capability.Service
	Executor   ToolExecutor
	TokenTTL   time.Duration
	Logger     *slog.Logger
	Metrics    Metrics
	Clock      func() time.Time

	// MirrorAuditToSQLite additionally writes audit records to the
	// session's audit.db for operator queries.
	MirrorAuditToSQLite bool
}

// Engine enforces the workflow for one session.
type Engine struct {
	mu sync.Mutex

	sessionID   string
	doc         *session.Document
	store       *session.Store
	def         *workflow.Definition
	tokens      *capability.Service
	gates       *gate.Engine
	tools       *toolaccess.Controller
	auditLog    *audit.Log
	checkpoints *checkpoint.Manager
	executor    ToolExecutor
	tokenTTL    time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	metrics     Metrics

	auditSink interface{ Close() error }
}

// Open creates or reopens the session and assembles the engine around it.
// On reopen it replays the durable audit log, verifies the chain, and
// reconciles recorded history against the state snapshot. The log wins,
// because it is append-only and harder to corrupt via partial write.
func Open(cfg Config) (*Engine, error) {
	if cfg.SessionID == "" || cfg.Store == nil || cfg.Definition == nil || cfg.Tokens == nil {
		return nil, errors.New("engine: session id, store, definition, and token service are required")
	}
	e := &Engine{
		sessionID: cfg.SessionID,
		store:     cfg.Store,
		def:       cfg.Definition,
		tokens:    cfg.Tokens,
		executor:  cfg.Executor,
		tokenTTL:  cfg.TokenTTL,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if e.tokenTTL <= 0 {
		e.tokenTTL = DefaultTokenTTL
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}

	doc, err := cfg.Store.Load(cfg.SessionID)
	fresh := false
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		doc, err = cfg.Store.Create(cfg.SessionID)
		if err != nil {
			return nil, err
		}
		fresh = true
	}
	e.doc = doc

	paths := cfg.Store.Resolver().Paths(cfg.SessionID)
	e.gates, err = gate.NewEngine(paths.ArtifactDir)
	if err != nil {
		return nil, err
	}
	if err := e.gates.CompileDefinition(cfg.Definition); err != nil {
		return nil, err
	}
	e.tools, err = toolaccess.NewController(cfg.Definition)
	if err != nil {
		return nil, err
	}
	e.checkpoints, err = checkpoint.NewManager(paths.CheckpointDir)
	if err != nil {
		return nil, err
	}

	records, readErr := audit.ReadFile(paths.AuditFile)
	if readErr != nil && !errors.Is(readErr, audit.ErrChainBroken) {
		return nil, readErr
	}

	var sink audit.Sink
	fileSink, err := audit.OpenFileSink(paths.AuditFile)
	if err != nil {
		return nil, err
	}
	sink = fileSink
	e.auditSink = fileSink
	if cfg.MirrorAuditToSQLite {
		sqlStore, err := audit.OpenSQLiteStore(paths.AuditDB)
		if err != nil {
			return nil, err
		}
		sink = teeSink{fileSink, sqlStore}
		e.auditSink = multiCloser{fileSink, sqlStore}
	}

	e.auditLog = audit.NewLog(audit.WithClock(e.clock), audit.WithSink(sink))
	if readErr != nil {
		// A corrupt log file quarantines the session rather than
		// failing open.
		e.quarantineLocked(fmt.Sprintf("audit log unreadable: %v", readErr))
		return e, nil
	}
	if len(records) > 0 {
		if err := e.auditLog.Replay(records); err != nil {
			// A broken chain quarantines the session rather than
			// failing open.
			e.quarantineLocked(fmt.Sprintf("audit chain verification failed: %v", err))
			return e, nil
		}
		// The state snapshot's recorded head must exist somewhere in the
		// replayed chain. A head the log has never seen means records
		// were stripped from the log's tail.
		if e.doc.AuditHead != "" && !chainContains(records, e.doc.AuditHead) {
			e.quarantineLocked(fmt.Sprintf("state references audit head %s absent from the log", e.doc.AuditHead))
			return e, nil
		}
		if err := e.reconcile(records); err != nil {
			e.quarantineLocked(fmt.Sprintf("state/log reconciliation failed: %v", err))
			return e, nil
		}
	}

	if fresh {
		if _, err := e.auditLog.Append("engine", "session_opened", map[string]any{
			"session_id": cfg.SessionID,
			"workflow":   cfg.Definition.Name,
			"version":    cfg.Definition.Version,
		}); err != nil {
			return nil, err
		}
		e.doc.AuditHead = e.auditLog.Head()
		if err := e.store.Save(e.doc); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Close releases the engine's durable resources.
func (e *Engine) Close() error {
	if e.auditSink != nil {
		return e.auditSink.Close()
	}
	return nil
}

// SessionID returns the session this engine enforces.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// ArtifactRoot returns the sandboxed artifact directory gates evaluate in.
func (e *Engine) ArtifactRoot() string {
	return e.gates.Root()
}

func chainContains(records []*audit.Record, hash string) bool {
	for _, rec := range records {
		if rec.Hash == hash {
			return true
		}
	}
	return false
}

type teeSink [2]audit.Sink

func (t teeSink) Append(rec *audit.Record) error {
	for _, s := range t {
		if err := s.Append(rec); err != nil {
			return err
		}
	}
	return nil
}

type multiCloser []interface{ Close() error }

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CreateTask registers a task in the session at the workflow's initial
// phase. Audited like every other mutation.
func (e *Engine) CreateTask(taskID string, dependencies []string, priority int) (*session.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkQuarantineLocked(); err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	if _, exists := e.doc.Tasks[taskID]; exists {
		return nil, fmt.Errorf("task %q already exists", taskID)
	}
	for _, dep := range dependencies {
		if _, ok := e.doc.Tasks[dep]; !ok {
			return nil, fmt.Errorf("%w: dependency %q", ErrUnknownTask, dep)
		}
	}
	task := &session.Task{
		TaskID:       taskID,
		CurrentPhase: e.def.InitialPhase(),
		Dependencies: append([]string(nil), dependencies...),
		Priority:     priority,
	}
	e.doc.Tasks[taskID] = task
	if err := e.commitLocked("engine", "task_created", map[string]any{
		"task_id":      taskID,
		"phase":        task.CurrentPhase,
		"dependencies": task.Dependencies,
		"priority":     priority,
	}); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Claim assigns a task to an agent and issues the capability token for the
// task's current phase. Atomic with respect to concurrent claims: the
// session lock guarantees no two agents win the same task.
func (e *Engine) Claim(ctx context.Context, agentID, taskID string) (*session.Task, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkQuarantineLocked(); err != nil {
		return nil, "", err
	}
	if agentID == "" {
		return nil, "", errors.New("agent id is required")
	}

	var task *session.Task
	if taskID == "" {
		task = e.selectEligibleLocked()
		if task == nil {
			e.denyLocked(agentID, "claim_denied", map[string]any{"reason": ErrNoEligibleTask.Error()})
			return nil, "", ErrNoEligibleTask
		}
	} else {
		var err error
		task, err = e.claimableLocked(taskID)
		if err != nil {
			e.denyLocked(agentID, "claim_denied", map[string]any{"task_id": taskID, "reason": err.Error()})
			return nil, "", err
		}
	}

	phase := e.def.Phase(task.CurrentPhase)
	if phase == nil {
		return nil, "", fmt.Errorf("%w: task %q is in unknown phase %q", ErrStateCorruption, task.TaskID, task.CurrentPhase)
	}
	signed, claims, err := e.tokens.Issue(e.sessionID, task.TaskID, phase.ID, phase.ToolNames(), e.tokenTTL)
	if err != nil {
		return nil, "", err
	}

	task.AgentID = agentID
	e.doc.CurrentTaskID = task.TaskID
	if err := e.commitLocked(agentID, "claim", map[string]any{
		"task_id":  task.TaskID,
		"agent_id": agentID,
		"phase":    phase.ID,
		"token_id": claims.ID,
	}); err != nil {
		return nil, "", err
	}
	e.metrics.RecordDecision("claim", "allowed")
	e.logger.Info("task claimed", "session", e.sessionID, "task", task.TaskID, "agent", agentID, "phase", phase.ID)
	return task.Clone(), signed, nil
}

// selectEligibleLocked picks the highest-priority unclaimed task whose
// dependencies are all complete. Ties break on task id for determinism.
func (e *Engine) selectEligibleLocked() *session.Task {
	var best *session.Task
	for _, id := range e.doc.TaskIDs() {
		t := e.doc.Tasks[id]
		if t.Completed || t.Claimed() || !e.dependenciesSatisfiedLocked(t) {
			continue
		}
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	return best
}

func (e *Engine) claimableLocked(taskID string) (*session.Task, error) {
	t, ok := e.doc.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if t.Completed {
		return nil, fmt.Errorf("%w: task %s is complete", ErrNoEligibleTask, taskID)
	}
	if t.Claimed() {
		return nil, fmt.Errorf("%w: %s held by %s", ErrConcurrentClaimConflict, taskID, t.AgentID)
	}
	if !e.dependenciesSatisfiedLocked(t) {
		return nil, fmt.Errorf("%w: task %s", ErrDependencyUnsatisfied, taskID)
	}
	return t, nil
}

func (e *Engine) dependenciesSatisfiedLocked(t *session.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := e.doc.Tasks[dep]
		if !ok || !d.Completed {
			return false
		}
	}
	return true
}

// RequestTransition moves a task to the target phase if the caller's token
// is valid for the task's current phase and the target phase's gate passes.
// On success the returned token supersedes the old one: the phase advance
// makes any earlier token fail the phase cross-check on its next use.
func (e *Engine) RequestTransition(ctx context.Context, taskID, token, targetPhase string, artifacts []string) (string, gate.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkQuarantineLocked(); err != nil {
		return "", gate.Result{}, err
	}

	task, ok := e.doc.Tasks[taskID]
	if !ok {
		e.denyLocked("unknown", "transition_denied", map[string]any{"task_id": taskID, "reason": ErrUnknownTask.Error()})
		return "", gate.Result{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	claims, err := e.verifyForTaskLocked(token, task)
	if err != nil {
		e.denyLocked("unknown", "transition_denied", map[string]any{
			"task_id": taskID, "target": targetPhase, "reason": err.Error(),
		})
		e.metrics.RecordDecision("transition", "invalid_token")
		return "", gate.Result{}, err
	}
	actor := task.AgentID

	// Phase order is enforced regardless of token validity: only the
	// immediate successor or a declared skip target is ever reachable.
	if !e.def.CanTransition(task.CurrentPhase, targetPhase) {
		e.denyLocked(actor, "transition_denied", map[string]any{
			"task_id": taskID, "from": task.CurrentPhase, "target": targetPhase,
			"reason": ErrInvalidTransition.Error(),
		})
		e.metrics.RecordDecision("transition", "invalid_transition")
		return "", gate.Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.CurrentPhase, targetPhase)
	}

	// A task with unsatisfied dependencies cannot leave its initial phase.
	if task.CurrentPhase == e.def.InitialPhase() && !e.dependenciesSatisfiedLocked(task) {
		e.denyLocked(actor, "transition_denied", map[string]any{
			"task_id": taskID, "target": targetPhase, "reason": ErrDependencyUnsatisfied.Error(),
		})
		return "", gate.Result{}, fmt.Errorf("%w: task %s", ErrDependencyUnsatisfied, taskID)
	}

	target := e.def.Phase(targetPhase)
	result := e.evaluateGateLocked(ctx, task, target, artifacts)
	if !result.Passed {
		e.denyLocked(actor, "gate_blocked", map[string]any{
			"task_id": taskID, "from": task.CurrentPhase, "target": targetPhase,
			"violations": result.Violations,
		})
		e.metrics.RecordDecision("transition", "gate_blocked")
		// The caller's current token remains its only valid token;
		// expiry, not gate outcome, governs token lifetime.
		return "", result, fmt.Errorf("%w: %d violation(s)", ErrGateBlocked, len(result.Violations))
	}

	signed, newClaims, err := e.tokens.Issue(e.sessionID, taskID, targetPhase, target.ToolNames(), e.tokenTTL)
	if err != nil {
		return "", gate.Result{}, err
	}

	from := task.CurrentPhase
	task.CurrentPhase = targetPhase
	task.History = append(task.History, session.Transition{
		FromPhase: from,
		ToPhase:   targetPhase,
		Timestamp: e.clock().UTC(),
		TokenID:   claims.ID,
	})
	if e.def.PhaseIndex(targetPhase) == len(e.def.Phases)-1 {
		task.Completed = true
		task.AgentID = ""
	}

	if err := e.commitLocked(actor, "transition", map[string]any{
		"task_id": taskID, "from": from, "to": targetPhase,
		"old_token_id": claims.ID, "new_token_id": newClaims.ID,
		"completed": task.Completed,
	}); err != nil {
		return "", gate.Result{}, err
	}

	if target.Checkpoint {
		if err := e.checkpointLocked(actor, "phase "+targetPhase); err != nil {
			return "", gate.Result{}, err
		}
	}

	e.metrics.RecordDecision("transition", "allowed")
	e.logger.Info("phase transition", "session", e.sessionID, "task", taskID, "from", from, "to", targetPhase)
	return signed, result, nil
}

func (e *Engine) evaluateGateLocked(ctx context.Context, task *session.Task, target *workflow.Phase, artifacts []string) gate.Result {
	ectx := gate.Context{TaskID: task.TaskID, Phase: target.ID, Artifacts: artifacts}

	result := e.gates.EvaluateRequirements(target.RequiredArtifacts)
	if target.Gate != nil {
		sub := e.gates.Evaluate(ctx, target.Gate, ectx)
		result.Passed = result.Passed && sub.Passed
		result.Violations = append(result.Violations, sub.Violations...)
		result.Evaluated = append(result.Evaluated, sub.Evaluated...)
	}
	return result
}

// UseTool authorizes and executes a tool call. Validation and auditing run
// under the session lock; the execution itself runs off it, so a slow tool
// does not serialize the whole session.
func (e *Engine) UseTool(ctx context.Context, taskID, token, tool string, args json.RawMessage) (*ToolResult, error) {
	e.mu.Lock()
	if err := e.checkQuarantineLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	task, ok := e.doc.Tasks[taskID]
	if !ok {
		e.denyLocked("unknown", "tool_denied", map[string]any{"task_id": taskID, "tool": tool, "reason": ErrUnknownTask.Error()})
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	claims, err := e.verifyForTaskLocked(token, task)
	if err != nil {
		e.denyLocked("unknown", "tool_denied", map[string]any{"task_id": taskID, "tool": tool, "reason": err.Error()})
		e.metrics.RecordDecision("tool", "invalid_token")
		e.mu.Unlock()
		return nil, err
	}
	actor := task.AgentID

	if err := e.tools.Check(claims.Phase, tool, args); err != nil {
		reason := ErrToolNotPermitted
		if errors.Is(err, toolaccess.ErrInvalidArgs) {
			reason = ErrInvalidToolArgs
		}
		e.denyLocked(actor, "tool_denied", map[string]any{
			"task_id": taskID, "tool": tool, "phase": claims.Phase, "reason": err.Error(),
		})
		e.metrics.RecordDecision("tool", "denied")
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", reason, err)
	}

	if _, err := e.auditLog.Append(actor, "tool_use", map[string]any{
		"task_id": taskID, "tool": tool, "phase": claims.Phase,
	}); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.metrics.RecordDecision("tool", "allowed")
	executor := e.executor
	e.mu.Unlock()

	if executor == nil {
		return &ToolResult{Tool: tool}, nil
	}
	output, err := executor.Execute(ctx, tool, args)
	if err != nil {
		_, _ = e.auditLog.Append(actor, "tool_failed", map[string]any{
			"task_id": taskID, "tool": tool, "error": err.Error(),
		})
		return nil, fmt.Errorf("tool %q failed: %w", tool, err)
	}
	return &ToolResult{Tool: tool, Output: output}, nil
}

// verifyForTaskLocked runs the pure token verification and then the live
// cross-check: the token must name this task and the task's current
// recorded phase. A token for a phase the task has already left fails here
// even before it expires.
func (e *Engine) verifyForTaskLocked(token string, task *session.Task) (*capability.Claims, error) {
	claims, err := e.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, capability.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TaskID() != task.TaskID {
		return nil, fmt.Errorf("%w: token is for task %q", ErrInvalidToken, claims.TaskID())
	}
	if claims.SessionID != "" && claims.SessionID != e.sessionID {
		return nil, fmt.Errorf("%w: token is for session %q", ErrInvalidToken, claims.SessionID)
	}
	if claims.Phase != task.CurrentPhase {
		return nil, fmt.Errorf("%w: token phase %q, task is in %q", ErrInvalidToken, claims.Phase, task.CurrentPhase)
	}
	return claims, nil
}

// Snapshot returns a copy-on-read view of the session document. It never
// mutates or migrates anything.
func (e *Engine) Snapshot() *session.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

// SnapshotTask returns a copy of one task.
func (e *Engine) SnapshotTask(taskID string) (*session.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.doc.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return t.Clone(), nil
}

// VerifyChain recomputes the audit chain from genesis.
func (e *Engine) VerifyChain() (bool, string) {
	return e.auditLog.VerifyChain()
}

// AuditRecords returns a copy of the session's audit chain.
func (e *Engine) AuditRecords() []*audit.Record {
	return e.auditLog.Records()
}

// ForceRelease is the operator escape hatch for a stuck claim. It still
// passes through the token service: the supplied token must verify and
// name the task, though its phase may be stale.
func (e *Engine) ForceRelease(taskID, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkQuarantineLocked(); err != nil {
		return err
	}
	task, ok := e.doc.Tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	claims, err := e.tokens.Verify(token)
	if err != nil {
		e.denyLocked("operator", "heal_denied", map[string]any{"task_id": taskID, "reason": err.Error()})
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TaskID() != taskID {
		e.denyLocked("operator", "heal_denied", map[string]any{"task_id": taskID, "reason": "token task mismatch"})
		return fmt.Errorf("%w: token is for task %q", ErrInvalidToken, claims.TaskID())
	}

	released := task.AgentID
	task.AgentID = ""
	if e.doc.CurrentTaskID == taskID {
		e.doc.CurrentTaskID = ""
	}
	return e.commitLocked("operator", "heal_force_release", map[string]any{
		"task_id": taskID, "released_agent": released,
	})
}

// Unquarantine clears a quarantined session after operator intervention.
func (e *Engine) Unquarantine(note string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.doc.Quarantined {
		return nil
	}
	e.doc.Quarantined = false
	e.doc.QuarantineNote = ""
	return e.commitLocked("operator", "unquarantine", map[string]any{"note": note})
}

// RestoreCheckpoint forks session state back to a checkpoint. Audit history
// is never erased: the fork itself is audited on the same chain, and the
// superseded branch of checkpoints stays on disk.
func (e *Engine) RestoreCheckpoint(checkpointID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkQuarantineLocked(); err != nil {
		return err
	}
	cp, err := e.checkpoints.Restore(checkpointID)
	if err != nil {
		return err
	}
	var restored session.Document
	if err := json.Unmarshal(cp.State, &restored); err != nil {
		return fmt.Errorf("decode checkpoint state: %w", err)
	}
	if restored.Tasks == nil {
		restored.Tasks = make(map[string]*session.Task)
	}
	e.doc = &restored
	e.doc.CheckpointHead = cp.ID
	return e.commitLocked("operator", "checkpoint_restored", map[string]any{
		"checkpoint_id": cp.ID, "state_hash": cp.StateHash,
	})
}

// Finish archives the session. Archived sessions survive on disk; nothing
// is deleted.
func (e *Engine) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.commitLocked("engine", "session_finished", map[string]any{
		"session_id": e.sessionID,
	}); err != nil {
		return err
	}
	if e.auditSink != nil {
		_ = e.auditSink.Close()
		e.auditSink = nil
	}
	return e.store.Archive(e.sessionID)
}

// commitLocked appends the audit record and then persists state. Audit
// first: a mutation is not committed until its record exists, and on crash
// recovery the log wins over a stale snapshot.
func (e *Engine) commitLocked(actor, action string, payload map[string]any) error {
	if _, err := e.auditLog.Append(actor, action, payload); err != nil {
		return err
	}
	e.doc.AuditHead = e.auditLog.Head()
	return e.store.Save(e.doc)
}

// denyLocked audits a denial. Denials are recorded before they are
// returned; the audit log is the only state they touch.
func (e *Engine) denyLocked(actor, action string, payload map[string]any) {
	if _, err := e.auditLog.Append(actor, action, payload); err != nil {
		e.logger.Error("audit denial failed", "session", e.sessionID, "action", action, "error", err)
	}
}

func (e *Engine) checkpointLocked(actor, reason string) error {
	cp, err := e.checkpoints.Create(e.doc)
	if err != nil {
		return err
	}
	e.doc.CheckpointHead = cp.ID
	return e.commitLocked(actor, "checkpoint_created", map[string]any{
		"checkpoint_id": cp.ID, "state_hash": cp.StateHash, "reason": reason,
	})
}

func (e *Engine) checkQuarantineLocked() error {
	if e.doc.Quarantined {
		return fmt.Errorf("%w: %s", ErrStateCorruption, e.doc.QuarantineNote)
	}
	return nil
}

func (e *Engine) quarantineLocked(note string) {
	e.doc.Quarantined = true
	e.doc.QuarantineNote = note
	e.logger.Error("session quarantined", "session", e.sessionID, "note", note)
	if err := e.store.Save(e.doc); err != nil {
		e.logger.Error("persist quarantine failed", "session", e.sessionID, "error", err)
	}
}

// reconcile replays recorded claims and transitions against the state
// snapshot. Where they disagree the log's view is adopted.
func (e *Engine) reconcile(records []*audit.Record) error {
	type view struct {
		agent     string
		phase     string
		deps      []string
		priority  int
		completed bool
		known     bool
	}
	views := make(map[string]*view)
	get := func(id string) *view {
		v, ok := views[id]
		if !ok {
			v = &view{phase: e.def.InitialPhase()}
			views[id] = v
		}
		return v
	}

	for _, rec := range records {
		var payload map[string]any
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("decode audit payload at sequence %d: %w", rec.Sequence, err)
		}
		taskID, _ := payload["task_id"].(string)
		switch rec.Action {
		case "task_created":
			v := get(taskID)
			v.known = true
			if phase, ok := payload["phase"].(string); ok {
				v.phase = phase
			}
			if deps, ok := payload["dependencies"].([]any); ok {
				for _, dep := range deps {
					if s, ok := dep.(string); ok {
						v.deps = append(v.deps, s)
					}
				}
			}
			if priority, ok := payload["priority"].(float64); ok {
				v.priority = int(priority)
			}
		case "claim":
			v := get(taskID)
			v.known = true
			v.agent, _ = payload["agent_id"].(string)
		case "transition":
			v := get(taskID)
			v.known = true
			if to, ok := payload["to"].(string); ok {
				v.phase = to
			}
			if completed, ok := payload["completed"].(bool); ok && completed {
				v.completed = true
				v.agent = ""
			}
		case "heal_force_release":
			get(taskID).agent = ""
		}
	}

	for id, v := range views {
		if !v.known {
			continue
		}
		task, ok := e.doc.Tasks[id]
		if !ok {
			// The snapshot lost a task the log knows about.
			task = &session.Task{
				TaskID:       id,
				Dependencies: append([]string(nil), v.deps...),
				Priority:     v.priority,
			}
			e.doc.Tasks[id] = task
		}
		if task.CurrentPhase != v.phase || task.AgentID != v.agent || task.Completed != v.completed {
			e.logger.Warn("state snapshot disagrees with audit log; log wins",
				"session", e.sessionID, "task", id,
				"snapshot_phase", task.CurrentPhase, "log_phase", v.phase)
			task.CurrentPhase = v.phase
			task.AgentID = v.agent
			task.Completed = v.completed
		}
	}
	sortTaskHistory(e.doc)
	e.doc.AuditHead = e.auditLog.Head()
	return e.store.Save(e.doc)
}

func sortTaskHistory(doc *session.Document) {
	for _, t := range doc.Tasks {
		sort.SliceStable(t.History, func(i, j int) bool {
			return t.History[i].Timestamp.Before(t.History[j].Timestamp)
		})
	}
}
