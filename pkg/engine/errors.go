package engine

import "errors"

// The denial taxonomy. Every denial returned to a caller is one of these,
// audited before it is returned, so a rejected attempt is forensically
// visible and the caller can tell "retry later" from "this will never
// succeed".
var (
	// ErrInvalidToken covers forged, expired, phase-mismatched, and
	// task-mismatched tokens. Always denies, never partially applies.
	ErrInvalidToken = errors.New("invalid token")

	// ErrGateBlocked means an artifact or command requirement is unmet.
	// Recoverable: fix the artifacts and retry with the same token.
	ErrGateBlocked = errors.New("gate blocked")

	// ErrInvalidTransition means the target phase is not the immediate
	// successor or a declared skip target. Denied independent of token
	// validity.
	ErrInvalidTransition = errors.New("transition not permitted by phase order")

	// ErrDependencyUnsatisfied means the task cannot be claimed yet.
	// Recoverable: wait for the dependencies to complete.
	ErrDependencyUnsatisfied = errors.New("task dependencies unsatisfied")

	// ErrNoEligibleTask means no unclaimed task with satisfied
	// dependencies exists right now.
	ErrNoEligibleTask = errors.New("no eligible task")

	// ErrConcurrentClaimConflict means another agent holds the task.
	// Recoverable: request a different task.
	ErrConcurrentClaimConflict = errors.New("task already claimed")

	// ErrToolNotPermitted means the phase's allowlist excludes the tool.
	// Not recoverable without a new token in a different phase.
	ErrToolNotPermitted = errors.New("tool not permitted in current phase")

	// ErrInvalidToolArgs means an allowed tool was called with arguments
	// its declared schema rejects.
	ErrInvalidToolArgs = errors.New("tool arguments invalid")

	// ErrUnknownTask means the named task does not exist in the session.
	ErrUnknownTask = errors.New("unknown task")

	// ErrStateCorruption is fatal for the session: the audit chain is
	// broken or state and log disagree irreconcilably. The engine
	// refuses further mutation on the session until an operator
	// intervenes. Other sessions are unaffected.
	ErrStateCorruption = errors.New("session state corrupted")
)
