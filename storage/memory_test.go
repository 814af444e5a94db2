package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(10, nil)
	require.NoError(t, err)

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	m, err := NewMemory(10, func() time.Time { return clock })
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "k", "v", time.Second))
	clock = now.Add(2 * time.Second)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Increment(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(10, nil)
	require.NoError(t, err)

	v, err := m.Increment(ctx, "c", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = m.Increment(ctx, "c", 4, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestMemory_TokenBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	m, err := NewMemory(10, func() time.Time { return clock })
	require.NoError(t, err)

	// Capacity 5, refill 1 per second, request 1 token each call.
	for i := 0; i < 5; i++ {
		res, err := m.TokenBucket(ctx, "tb", 5, 1, time.Second, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d should be allowed", i)
	}

	res, err := m.TokenBucket(ctx, "tb", 5, 1, time.Second, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)

	clock = clock.Add(3 * time.Second)
	res, err = m.TokenBucket(ctx, "tb", 5, 1, time.Second, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemory_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	m, err := NewMemory(10, func() time.Time { return clock })
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := m.SlidingWindow(ctx, "sw", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := m.SlidingWindow(ctx, "sw", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	clock = clock.Add(2 * time.Minute)
	res, err = m.SlidingWindow(ctx, "sw", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemory_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	m, err := NewMemory(10, func() time.Time { return clock })
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := m.FixedWindow(ctx, "fw", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := m.FixedWindow(ctx, "fw", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestMemory_Concurrency(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(10, nil)
	require.NoError(t, err)

	ok, err := m.AcquireConcurrency(ctx, "c", 1, "req-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AcquireConcurrency(ctx, "c", 1, "req-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.ReleaseConcurrency(ctx, "c", "req-1"))

	ok, err = m.AcquireConcurrency(ctx, "c", 1, "req-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidatePrefix(t *testing.T) {
	assert.NoError(t, ValidatePrefix("guardrail"))
	assert.Error(t, ValidatePrefix("bad prefix!"))
	assert.Error(t, ValidatePrefix(""))
}

func TestBuildKey(t *testing.T) {
	k := BuildKey("guardrail:", KindTokenBucket, "1h", "", "fp")
	assert.Equal(t, "guardrail:token-bucket:1h:fp", k)

	k = BuildKey("guardrail:", KindTokenBucket, "1h", "disc", "fp")
	assert.Equal(t, "guardrail:token-bucket:1h:disc:fp", k)
}
