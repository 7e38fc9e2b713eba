// Package limiter rate-limits agent traffic against the coordination API.
// Buckets are keyed per agent; the store backend is pluggable so a single
// instance can use process memory while a fleet shares Redis.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when an agent's bucket is exhausted.
var ErrRateLimited = errors.New("rate limit exceeded")

// Policy bounds an agent's request rate.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

func (p Policy) ratePerSecond() float64 {
	rate := float64(p.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1
	}
	return rate
}

// Store abstracts token bucket storage.
type Store interface {
	// Allow consumes cost tokens from the agent's bucket, reporting
	// whether the request may proceed.
	Allow(ctx context.Context, agentID string, policy Policy, cost int) (bool, error)
}

// Check consumes one token for the agent. A nil store fails closed.
func Check(ctx context.Context, store Store, agentID string, policy Policy) error {
	if store == nil {
		return errors.New("limiter: no store configured")
	}
	allowed, err := store.Allow(ctx, agentID, policy, 1)
	if err != nil {
		return fmt.Errorf("limiter check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: agent %s", ErrRateLimited, agentID)
	}
	return nil
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func (b *bucket) take(now time.Time, cost int) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore is the single-instance backend.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(_ context.Context, agentID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[agentID]
	if !ok {
		b = &bucket{
			tokens:     float64(policy.Burst),
			capacity:   float64(policy.Burst),
			refillRate: policy.ratePerSecond(),
			lastRefill: s.clock(),
		}
		s.buckets[agentID] = b
	}
	return b.take(s.clock(), cost), nil
}
