package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLinksChain(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	c1, err := m.Create(map[string]any{"tasks": 1})
	require.NoError(t, err)
	c2, err := m.Create(map[string]any{"tasks": 2})
	require.NoError(t, err)

	assert.Empty(t, c1.ParentID)
	assert.Equal(t, c1.ID, c2.ParentID)
	assert.Equal(t, c2.ID, m.Head())

	chain := m.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, c2.ID, chain[0].ID)
	assert.Equal(t, c1.ID, chain[1].ID)
}

func TestStateHashComparableForDedup(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	c1, err := m.Create(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	c2, err := m.Create(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, c1.StateHash, c2.StateHash)
}

func TestRestoreForksForward(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	c1, err := m.Create(map[string]any{"phase": "PLAN"})
	require.NoError(t, err)
	c2, err := m.Create(map[string]any{"phase": "IMPLEMENT"})
	require.NoError(t, err)

	restored, err := m.Restore(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.StateHash, restored.StateHash)
	assert.Equal(t, c1.ID, m.Head())

	// The next checkpoint forks from the restored point, and the
	// superseded branch is still readable.
	c3, err := m.Create(map[string]any{"phase": "IMPLEMENT", "retry": true})
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c3.ParentID)

	kept, err := m.Get(c2.ID)
	require.NoError(t, err)
	assert.Equal(t, c2.StateHash, kept.StateHash)
}

func TestRestoreUnknownID(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	_, err = m.Restore("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReloadAfterRestart(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	c1, err := m.Create(map[string]any{"n": 1})
	require.NoError(t, err)
	c2, err := m.Create(map[string]any{"n": 2})
	require.NoError(t, err)

	reopened, err := NewManager(dir)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, reopened.Head())

	got, err := reopened.Get(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.StateHash, got.StateHash)

	chain := reopened.Chain()
	require.Len(t, chain, 2)
}
