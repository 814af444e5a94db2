package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliadelelroby/guardrail/internal/clock"
	"github.com/aliadelelroby/guardrail/storage"
)

func newMemory(t *testing.T, now func() time.Time) *storage.Memory {
	t.Helper()
	m, err := storage.NewMemory(0, now)
	require.NoError(t, err)
	return m
}

func TestSlidingWindow_AdmitsUpToMax(t *testing.T) {
	fixedTime := time.Now()
	store := newMemory(t, func() time.Time { return fixedTime })
	cfg := SlidingWindowConfig{Interval: time.Minute, Max: 2, Mode: Live}
	chars := map[string]interface{}{"ip.src": "1.2.3.4"}

	r1, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)

	r3, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.False(t, r3.Allowed)
	assert.Equal(t, int64(0), r3.Remaining)
}

func TestSlidingWindow_DryRunNeverDenies(t *testing.T) {
	fixedTime := time.Now()
	store := newMemory(t, func() time.Time { return fixedTime })
	cfg := SlidingWindowConfig{Interval: time.Minute, Max: 1, Mode: DryRun}
	chars := map[string]interface{}{"ip.src": "9.9.9.9"}

	_, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)

	r2, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r2.Allowed, "DRY_RUN must never deny")
}

func TestSlidingWindow_DistinctFingerprintsIndependent(t *testing.T) {
	fixedTime := time.Now()
	store := newMemory(t, func() time.Time { return fixedTime })
	cfg := SlidingWindowConfig{Interval: time.Minute, Max: 1, Mode: Live}

	r1, err := EvaluateSlidingWindow(context.Background(), store, map[string]interface{}{"ip.src": "1.1.1.1"}, cfg)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := EvaluateSlidingWindow(context.Background(), store, map[string]interface{}{"ip.src": "2.2.2.2"}, cfg)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)
}

func TestTokenBucket_RefillsDiscretely(t *testing.T) {
	fixedTime := time.Now()
	store := newMemory(t, func() time.Time { return fixedTime })
	cfg := TokenBucketConfig{Interval: time.Second, Capacity: 2, RefillRate: 1, Requested: 1, Mode: Live}
	chars := map[string]interface{}{"ip.src": "5.5.5.5"}

	r1, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)

	r3, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.False(t, r3.Allowed, "bucket exhausted before any refill elapses")

	fixedTime = fixedTime.Add(1100 * time.Millisecond)
	r4, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r4.Allowed, "one interval elapsed, one token refilled")
}

func TestTokenBucket_DryRunNeverDenies(t *testing.T) {
	fixedTime := time.Now()
	store := newMemory(t, func() time.Time { return fixedTime })
	cfg := TokenBucketConfig{Interval: time.Minute, Capacity: 1, RefillRate: 1, Requested: 1, Mode: DryRun}
	chars := map[string]interface{}{"ip.src": "7.7.7.7"}

	_, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	r2, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)
}

// casOnlyStorage wraps Memory but hides the atomic primitives so tests can
// exercise the optimistic-CAS fallback path directly.
type casOnlyStorage struct {
	storage.Storage
}

// TestSlidingWindow_CASFallback drives the CAS path with a shared mock
// clock so both the storage backend's own TTL bookkeeping and the CAS
// loop's internal now (cfg.Clock) advance in lockstep, proving the
// fallback path is deterministic end to end rather than quietly calling
// time.Now() on the side.
func TestSlidingWindow_CASFallback(t *testing.T) {
	mockClock := clock.NewMock()
	mem := newMemory(t, mockClock.Now)
	store := casOnlyStorage{Storage: mem}
	cfg := SlidingWindowConfig{Interval: time.Minute, Max: 1, Mode: Live, Clock: mockClock}
	chars := map[string]interface{}{"ip.src": "8.8.8.8"}

	r1, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.False(t, r2.Allowed)

	mockClock.Advance(2 * time.Minute)
	r3, err := EvaluateSlidingWindow(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r3.Allowed, "the bucket must roll off once the mock clock advances past the window")
}

// TestTokenBucket_CASFallback exercises the same shared-mock-clock setup
// for the token-bucket CAS path, confirming refill actually observes the
// injected clock rather than real wall time.
func TestTokenBucket_CASFallback(t *testing.T) {
	mockClock := clock.NewMock()
	mem := newMemory(t, mockClock.Now)
	store := casOnlyStorage{Storage: mem}
	cfg := TokenBucketConfig{Interval: time.Minute, Capacity: 1, RefillRate: 1, Requested: 1, Mode: Live, Clock: mockClock}
	chars := map[string]interface{}{"ip.src": "3.3.3.3"}

	r1, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.False(t, r2.Allowed)

	mockClock.Advance(time.Minute)
	r3, err := EvaluateTokenBucket(context.Background(), store, chars, cfg)
	require.NoError(t, err)
	assert.True(t, r3.Allowed, "one interval elapsed on the mock clock, one token refilled")
}
