package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendChains(t *testing.T) {
	l := NewLog()
	r1, err := l.Append("agent-1", "claim", map[string]any{"task": "t1"})
	require.NoError(t, err)
	r2, err := l.Append("agent-1", "transition", map[string]any{"task": "t1", "to": "IMPLEMENT"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, "genesis", r1.PrevHash)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.Equal(t, r2.Hash, l.Head())

	ok, reason := l.VerifyChain()
	assert.True(t, ok, reason)
}

func TestVerifyChainDetectsPayloadTamper(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		_, err := l.Append("actor", "action", map[string]any{"n": i})
		require.NoError(t, err)
	}

	records := l.Records()
	records[2].Payload[0] = records[2].Payload[0] ^ 0xff

	ok, reason := VerifyRecords(records)
	assert.False(t, ok)
	assert.Contains(t, reason, "record 3")
}

// Flipping any single byte of any stored payload must break verification.
func TestVerifyChainTamperProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any single-byte payload mutation is detected", prop.ForAll(
		func(recordIdx, byteIdx int, flip byte) bool {
			l := NewLog()
			for i := 0; i < 4; i++ {
				if _, err := l.Append("actor", "action", map[string]any{"value": i}); err != nil {
					return false
				}
			}
			records := l.Records()
			rec := records[recordIdx%len(records)]
			if len(rec.Payload) == 0 {
				return true
			}
			pos := byteIdx % len(rec.Payload)
			mutated := rec.Payload[pos] ^ flip
			if mutated == rec.Payload[pos] {
				return true // zero flip, nothing changed
			}
			rec.Payload[pos] = mutated
			ok, _ := VerifyRecords(records)
			return !ok
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestVerifyChainDetectsReorder(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		_, err := l.Append("actor", "action", map[string]any{"n": i})
		require.NoError(t, err)
	}
	records := l.Records()
	records[0], records[1] = records[1], records[0]
	ok, _ := VerifyRecords(records)
	assert.False(t, ok)
}

func TestReplayRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog(WithClock(func() time.Time { return fixed }))
	for i := 0; i < 3; i++ {
		_, err := l.Append("actor", "action", map[string]any{"n": i})
		require.NoError(t, err)
	}

	restored := NewLog()
	require.NoError(t, restored.Replay(l.Records()))
	assert.Equal(t, l.Head(), restored.Head())
	assert.Equal(t, l.Len(), restored.Len())

	// Appends continue the chain after replay.
	_, err := restored.Append("actor", "more", nil)
	require.NoError(t, err)
	ok, reason := restored.VerifyChain()
	assert.True(t, ok, reason)
}

func TestReplayRejectsBrokenChain(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		_, err := l.Append("actor", "action", map[string]any{"n": i})
		require.NoError(t, err)
	}
	records := l.Records()
	records[1].PrevHash = "sha256:forged"

	restored := NewLog()
	err := restored.Replay(records)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestFileSinkPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	l := NewLog(WithSink(sink))
	for i := 0; i < 3; i++ {
		_, err := l.Append("agent-1", "tool_use", map[string]any{"tool": "read_files", "n": i})
		require.NoError(t, err)
	}
	require.NoError(t, sink.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	restored := NewLog()
	require.NoError(t, restored.Replay(records))
	assert.Equal(t, l.Head(), restored.Head())
}

func writeChainFile(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	l := NewLog(WithSink(sink))
	for i := 0; i < n; i++ {
		_, err := l.Append("agent-1", "tool_use", map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, sink.Close())
	return path
}

func TestReadFileToleratesTornFinalLine(t *testing.T) {
	path := writeChainFile(t, 3)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	lines[2] = lines[2][:len(lines[2])/2] // half-written last record
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	ok, detail := VerifyRecords(records)
	assert.True(t, ok, detail)
}

func TestReadFileRejectsCorruptMiddleRecord(t *testing.T) {
	path := writeChainFile(t, 3)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Breaking a middle line must not silently truncate to a clean
	// prefix; records after it would vanish from the chain.
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	lines[1] = strings.TrimSuffix(lines[1], "}")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	_, err = ReadFile(path)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	records, err := ReadFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGet(t *testing.T) {
	l := NewLog()
	_, err := l.Append("actor", "action", nil)
	require.NoError(t, err)

	rec, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "action", rec.Action)

	_, err = l.Get(99)
	require.ErrorIs(t, err, ErrRecordNotFound)
}
