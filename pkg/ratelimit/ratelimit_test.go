package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/pkg/fault"
)

func TestMemoryStore_BurstThenDeny(t *testing.T) {
	s := NewMemoryStore()
	l := Limit{PerMinute: 60, Burst: 5}

	for i := 0; i < 5; i++ {
		ok, err := s.Allow(context.Background(), "u1", l)
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := s.Allow(context.Background(), "u1", l)
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	l := Limit{PerMinute: 60, Burst: 1}

	ok, _ := s.Allow(context.Background(), "u1", l)
	assert.True(t, ok)
	ok, _ = s.Allow(context.Background(), "u1", l)
	assert.False(t, ok)

	ok, _ = s.Allow(context.Background(), "u2", l)
	assert.True(t, ok, "a drained bucket must not affect other callers")
}

func TestMemoryStore_Refill(t *testing.T) {
	s := NewMemoryStore()
	// 600/min refills a token every 100ms.
	l := Limit{PerMinute: 600, Burst: 1}

	ok, _ := s.Allow(context.Background(), "u1", l)
	require.True(t, ok)
	ok, _ = s.Allow(context.Background(), "u1", l)
	require.False(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, _ = s.Allow(context.Background(), "u1", l)
	assert.True(t, ok, "bucket refills over time")
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(context.Background(), nil, "u1", DefaultLimit),
		"nil store disables limiting")

	s := NewMemoryStore()
	l := Limit{PerMinute: 60, Burst: 1}
	require.NoError(t, Check(context.Background(), s, "u1", l))

	err := Check(context.Background(), s, "u1", l)
	require.Error(t, err)
	assert.Equal(t, fault.Overloaded, fault.KindOf(err))
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, Limit) (bool, error) {
	return false, fmt.Errorf("connection refused")
}

func TestCheck_StoreFailureIsOverloaded(t *testing.T) {
	err := Check(context.Background(), failingStore{}, "u1", DefaultLimit)
	require.Error(t, err)
	assert.Equal(t, fault.Overloaded, fault.KindOf(err))
}

func TestLimit_PerSecond(t *testing.T) {
	assert.InDelta(t, 2.0, float64(Limit{PerMinute: 120}.perSecond()), 1e-9)
	assert.InDelta(t, 0.5, float64(Limit{PerMinute: 30}.perSecond()), 1e-9)
	assert.InDelta(t, 1.0, float64(Limit{}.perSecond()), 1e-9, "zero budget floors at 1/s")
}
