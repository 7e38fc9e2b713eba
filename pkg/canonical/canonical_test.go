package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"x": "1", "y": "2"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"y": "2", "x": "1"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHashDiffersOnPayloadChange(t *testing.T) {
	h1, err := Hash(map[string]any{"x": "1"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"x": "2"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestHashPrefix(t *testing.T) {
	h, err := Hash("payload")
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, h)
}
