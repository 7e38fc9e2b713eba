// Package session owns the durable on-disk representation of an enforcement
// session: one canonical location per concern (state, audit log,
// checkpoints, artifacts), crash-safe writes, and explicit legacy-layout
// migration.
//
// Resolution is pure: reading a path never migrates anything. If a legacy
// and a current-format state file both exist and disagree, that is a hard
// error surfaced to the operator, never a heuristic merge.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyExists     = errors.New("session already exists")
	ErrDivergentState    = errors.New("legacy and current state files disagree")
	ErrMigrationRequired = errors.New("session uses the legacy layout; run migrate")
)

// Paths are the canonical locations for one session's concerns.
type Paths struct {
	Dir           string
	StateFile     string
	AuditFile     string
	AuditDB       string
	CheckpointDir string
	ArtifactDir   string
}

// Resolver maps session ids to on-disk locations under a single root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at dir.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the resolver's root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Paths returns the current-layout locations for a session. Pure.
func (r *Resolver) Paths(sessionID string) Paths {
	dir := filepath.Join(r.root, "sessions", sessionID)
	return Paths{
		Dir:           dir,
		StateFile:     filepath.Join(dir, "state.json"),
		AuditFile:     filepath.Join(dir, "audit.jsonl"),
		AuditDB:       filepath.Join(dir, "audit.db"),
		CheckpointDir: filepath.Join(dir, "checkpoints"),
		ArtifactDir:   filepath.Join(dir, "artifacts"),
	}
}

// ArchiveDir returns where a finished session is moved. Sessions are
// archived, never deleted.
func (r *Resolver) ArchiveDir(sessionID string) string {
	return filepath.Join(r.root, "archive", sessionID)
}

// LegacyStateFile returns the pre-v1 flat layout location.
func (r *Resolver) LegacyStateFile(sessionID string) string {
	return filepath.Join(r.root, sessionID+".state.json")
}

// Resolve locates a session's state file without side effects. It reports
// ErrMigrationRequired when only the legacy layout exists, and
// ErrDivergentState when both layouts exist with differing content.
func (r *Resolver) Resolve(sessionID string) (Paths, error) {
	paths := r.Paths(sessionID)
	current, currentErr := os.ReadFile(paths.StateFile)
	legacy, legacyErr := os.ReadFile(r.LegacyStateFile(sessionID))

	currentExists := currentErr == nil
	legacyExists := legacyErr == nil

	switch {
	case currentExists && legacyExists:
		if !bytes.Equal(current, legacy) {
			return Paths{}, fmt.Errorf("%w: session %s has %s and %s",
				ErrDivergentState, sessionID, paths.StateFile, r.LegacyStateFile(sessionID))
		}
		return paths, nil
	case currentExists:
		return paths, nil
	case legacyExists:
		return Paths{}, fmt.Errorf("%w: session %s at %s", ErrMigrationRequired, sessionID, r.LegacyStateFile(sessionID))
	default:
		return Paths{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
}
