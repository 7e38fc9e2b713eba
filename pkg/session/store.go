package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Transition is one entry in a task's transition history.
type Transition struct {
	FromPhase string    `json:"from_phase"`
	ToPhase   string    `json:"to_phase"`
	Timestamp time.Time `json:"timestamp"`
	TokenID   string    `json:"token_id"`
}

// Task is one unit of work, owned by at most one agent at a time. Tasks are
// mutated exclusively through the enforcement engine.
type Task struct {
	TaskID       string       `json:"task_id"`
	AgentID      string       `json:"agent_id,omitempty"`
	CurrentPhase string       `json:"current_phase"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Priority     int          `json:"priority,omitempty"`
	Completed    bool         `json:"completed"`
	History      []Transition `json:"transition_history,omitempty"`
}

// Claimed reports whether an agent currently owns the task.
func (t *Task) Claimed() bool {
	return t.AgentID != ""
}

// Clone deep-copies the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.History = append([]Transition(nil), t.History...)
	return &cp
}

// Document is the durable state of one enforcement session.
type Document struct {
	SessionID      string           `json:"session_id"`
	CreatedAt      time.Time        `json:"created_at"`
	RootPath       string           `json:"root_path"`
	CurrentTaskID  string           `json:"current_task_id,omitempty"`
	Tasks          map[string]*Task `json:"tasks"`
	AuditHead      string           `json:"audit_head,omitempty"`
	CheckpointHead string           `json:"checkpoint_head,omitempty"`
	Quarantined    bool             `json:"quarantined,omitempty"`
	QuarantineNote string           `json:"quarantine_note,omitempty"`
}

// Clone deep-copies the document for copy-on-read snapshots.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Tasks = make(map[string]*Task, len(d.Tasks))
	for id, t := range d.Tasks {
		cp.Tasks[id] = t.Clone()
	}
	return &cp
}

// TaskIDs returns the task ids in stable order.
func (d *Document) TaskIDs() []string {
	ids := make([]string, 0, len(d.Tasks))
	for id := range d.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store performs crash-safe reads and writes of session documents. All
// writes go through write-temp-then-atomic-rename; a partial write is never
// visible as valid state.
type Store struct {
	resolver *Resolver
	clock    func() time.Time
}

// NewStore creates a store over the resolver's root.
func NewStore(resolver *Resolver) *Store {
	return &Store{resolver: resolver, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Resolver exposes the store's path resolver.
func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// Create initializes a new session directory tree and its state document.
func (s *Store) Create(sessionID string) (*Document, error) {
	paths := s.resolver.Paths(sessionID)
	if _, err := os.Stat(paths.StateFile); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
	}
	for _, dir := range []string{paths.Dir, paths.CheckpointDir, paths.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create session dirs: %w", err)
		}
	}
	doc := &Document{
		SessionID: sessionID,
		CreatedAt: s.clock().UTC(),
		RootPath:  paths.Dir,
		Tasks:     make(map[string]*Task),
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Load reads a session document from the current layout. A legacy-only
// session is reported, never silently migrated.
func (s *Store) Load(sessionID string) (*Document, error) {
	paths, err := s.resolver.Resolve(sessionID)
	if err != nil {
		return nil, err
	}
	return readDocument(paths.StateFile)
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*Task)
	}
	return &doc, nil
}

// Save writes the document atomically: temp file, fsync, rename.
func (s *Store) Save(doc *Document) error {
	paths := s.resolver.Paths(doc.SessionID)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	return atomicWrite(paths.StateFile, data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// Migrate moves a legacy-layout session into the current layout. Explicit,
// idempotent, and atomic: re-running it is a no-op, and the legacy file is
// left in place as a historical copy (the two are byte-identical after
// migration, so Resolve accepts the pair).
func (s *Store) Migrate(sessionID string) error {
	paths := s.resolver.Paths(sessionID)
	legacyPath := s.resolver.LegacyStateFile(sessionID)

	legacy, legacyErr := os.ReadFile(legacyPath)
	current, currentErr := os.ReadFile(paths.StateFile)

	switch {
	case legacyErr != nil && currentErr != nil:
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	case legacyErr != nil:
		// Nothing legacy to migrate.
		return nil
	case currentErr == nil:
		if string(current) == string(legacy) {
			return nil // already migrated
		}
		return fmt.Errorf("%w: session %s", ErrDivergentState, sessionID)
	}

	// Validate before committing anything.
	var doc Document
	if err := json.Unmarshal(legacy, &doc); err != nil {
		return fmt.Errorf("legacy state for %s is not a valid document: %w", sessionID, err)
	}
	for _, dir := range []string{paths.Dir, paths.CheckpointDir, paths.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session dirs: %w", err)
		}
	}
	return atomicWrite(paths.StateFile, legacy)
}

// Archive moves a finished session under the archive root. The session's
// data survives; only its active location changes.
func (s *Store) Archive(sessionID string) error {
	paths, err := s.resolver.Resolve(sessionID)
	if err != nil {
		return err
	}
	dest := s.resolver.ArchiveDir(sessionID)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(paths.Dir, dest); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// List returns the ids of all active (non-archived) sessions.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.resolver.Root(), "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
