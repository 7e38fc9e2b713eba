// Package checkpoint snapshots session state into a content-addressed,
// parent-linked chain. Restoring never deletes anything: the chain forks
// forward from the restored point and the discarded branch stays on disk.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/canonical"
)

var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one immutable snapshot. StateHash is the canonical hash of
// the snapshot body, comparable across checkpoints for dedup; the id is
// unique per creation even when two snapshots carry identical state.
type Checkpoint struct {
	ID        string          `json:"checkpoint_id"`
	ParentID  string          `json:"parent_checkpoint_id,omitempty"`
	StateHash string          `json:"state_hash"`
	State     json.RawMessage `json:"session_state_snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// Manager owns the checkpoint chain for one session.
type Manager struct {
	mu    sync.Mutex
	dir   string
	head  string
	byID  map[string]*Checkpoint
	clock func() time.Time
}

// NewManager opens (or initializes) the checkpoint directory and reloads
// any existing chain.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure checkpoint dir: %w", err)
	}
	m := &Manager{dir: dir, byID: make(map[string]*Checkpoint), clock: time.Now}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) reload() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read checkpoint dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == "HEAD.json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("read checkpoint %s: %w", name, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("decode checkpoint %s: %w", name, err)
		}
		m.byID[cp.ID] = &cp
	}

	headData, err := os.ReadFile(filepath.Join(m.dir, "HEAD.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint head: %w", err)
	}
	var head struct {
		Head string `json:"head"`
	}
	if err := json.Unmarshal(headData, &head); err != nil {
		return fmt.Errorf("decode checkpoint head: %w", err)
	}
	if head.Head != "" {
		if _, ok := m.byID[head.Head]; !ok {
			return fmt.Errorf("%w: head %s", ErrNotFound, head.Head)
		}
	}
	m.head = head.Head
	return nil
}

// Create snapshots state and links the checkpoint to the current head.
func (m *Manager) Create(state any) (*Checkpoint, error) {
	body, err := canonical.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		ParentID:  m.head,
		StateHash: canonical.HashBytes(body),
		State:     body,
		CreatedAt: m.clock().UTC(),
	}
	if err := m.persist(cp); err != nil {
		return nil, err
	}
	if err := m.persistHead(cp.ID); err != nil {
		return nil, err
	}
	m.byID[cp.ID] = cp
	m.head = cp.ID
	return cp, nil
}

// Restore returns the snapshot for id and moves the head there, so the next
// Create forks from the restored point. The superseded branch remains on
// disk; the caller audits the fork.
func (m *Manager) Restore(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := m.persistHead(id); err != nil {
		return nil, err
	}
	m.head = id
	out := *cp
	out.State = append(json.RawMessage(nil), cp.State...)
	return &out, nil
}

// Get retrieves a checkpoint without moving the head.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *cp
	out.State = append(json.RawMessage(nil), cp.State...)
	return &out, nil
}

// Head returns the current head checkpoint id, or "" before the first
// checkpoint.
func (m *Manager) Head() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

// Chain walks parent links from the current head back to the root, head
// first.
func (m *Manager) Chain() []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chain []*Checkpoint
	for id := m.head; id != ""; {
		cp, ok := m.byID[id]
		if !ok {
			break
		}
		out := *cp
		out.State = append(json.RawMessage(nil), cp.State...)
		chain = append(chain, &out)
		id = cp.ParentID
	}
	return chain
}

func (m *Manager) persist(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return m.atomicWrite(cp.ID+".json", data)
}

func (m *Manager) persistHead(id string) error {
	data, err := json.Marshal(map[string]string{"head": id})
	if err != nil {
		return fmt.Errorf("encode checkpoint head: %w", err)
	}
	return m.atomicWrite("HEAD.json", data)
}

// atomicWrite is write-temp-then-rename so a crash mid-write never leaves a
// half-visible checkpoint.
func (m *Manager) atomicWrite(name string, data []byte) error {
	path := filepath.Join(m.dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}
