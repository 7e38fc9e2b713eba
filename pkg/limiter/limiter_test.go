package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreBurstAndRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	policy := Policy{RequestsPerMinute: 60, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := store.Allow(ctx, "agent-a", policy, 1)
		require.NoError(t, err)
		assert.True(t, allowed, "burst request %d", i)
	}
	allowed, err := store.Allow(ctx, "agent-a", policy, 1)
	require.NoError(t, err)
	assert.False(t, allowed, "bucket exhausted")

	// One token per second at 60 rpm.
	now = now.Add(1100 * time.Millisecond)
	allowed, err = store.Allow(ctx, "agent-a", policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed, "refilled after a second")
}

func TestMemoryStoreIsolatesAgents(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	policy := Policy{RequestsPerMinute: 60, Burst: 1}
	ctx := context.Background()

	allowed, err := store.Allow(ctx, "agent-a", policy, 1)
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = store.Allow(ctx, "agent-a", policy, 1)
	require.NoError(t, err)
	require.False(t, allowed)

	// agent-b has its own bucket.
	allowed, err = store.Allow(ctx, "agent-b", policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheckFailsClosedWithoutStore(t *testing.T) {
	err := Check(context.Background(), nil, "agent-a", Policy{RequestsPerMinute: 60, Burst: 1})
	require.Error(t, err)
}

func TestCheckMapsDenialToErrRateLimited(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	policy := Policy{RequestsPerMinute: 60, Burst: 1}

	require.NoError(t, Check(context.Background(), store, "agent-a", policy))
	err := Check(context.Background(), store, "agent-a", policy)
	require.ErrorIs(t, err, ErrRateLimited)
}

// Requires a local Redis; skipped otherwise.
func TestRedisStoreIntegration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("redis not available")
	}
	defer func() { _ = store.Close() }()

	policy := Policy{RequestsPerMinute: 60, Burst: 1}
	agent := "warden-test-agent"

	allowed, err := store.Allow(ctx, agent, policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = store.Allow(ctx, agent, policy, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(1100 * time.Millisecond)
	allowed, err = store.Allow(ctx, agent, policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}
