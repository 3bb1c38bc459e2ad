// Package ratelimit throttles API callers per authenticated user. The
// single-node store keeps token buckets in memory; the Redis store runs
// the same bucket algorithm atomically in a Lua script for multi-node
// deployments.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/opsgate/opsgate/pkg/fault"
)

// Limit is a per-caller request budget.
type Limit struct {
	PerMinute int
	Burst     int
}

// DefaultLimit is the shipped per-user budget.
var DefaultLimit = Limit{PerMinute: 120, Burst: 30}

// WriteLimit is the tighter budget applied to mutating endpoints.
var WriteLimit = Limit{PerMinute: 30, Burst: 10}

func (l Limit) perSecond() rate.Limit {
	if l.PerMinute <= 0 {
		return rate.Limit(1)
	}
	return rate.Limit(float64(l.PerMinute) / 60.0)
}

// Store decides whether a caller may proceed. Check maps a false verdict
// and any store error to an overloaded fault: a broken limiter backend
// rejects traffic rather than waving it through.
type Store interface {
	Allow(ctx context.Context, key string, l Limit) (bool, error)
}

// Check consults the store and converts denial to a tagged fault.
func Check(ctx context.Context, s Store, key string, l Limit) error {
	if s == nil {
		return nil
	}
	ok, err := s.Allow(ctx, key, l)
	if err != nil {
		return fault.Wrap(fault.Overloaded, "rate limiter unavailable", err)
	}
	if !ok {
		return fault.Newf(fault.Overloaded, "rate limit exceeded")
	}
	return nil
}

// MemoryStore keeps one token bucket per caller in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, l Limit) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[key]
	if !ok {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(l.perSecond(), burst)
		s.buckets[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow(), nil
}
