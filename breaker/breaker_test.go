package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsOpenAfterThreshold(t *testing.T) {
	now := time.Now()
	clock := now
	b := New(Config{
		FailureThreshold: 3,
		TimeoutWindow:    time.Minute,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 2,
		Now:              func() time.Time { return clock },
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, Open, b.State())
	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_HalfOpenProbeThenClose(t *testing.T) {
	now := time.Now()
	clock := now
	b := New(Config{
		FailureThreshold: 1,
		TimeoutWindow:    time.Minute,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 2,
		Now:              func() time.Time { return clock },
	})

	boom := errors.New("x")
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	assert.Equal(t, Open, b.State())

	clock = clock.Add(11 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, HalfOpen, b.State(), "needs 2 successes to close")

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := now
	b := New(Config{
		FailureThreshold: 1,
		TimeoutWindow:    time.Minute,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 1,
		Now:              func() time.Time { return clock },
	})

	_ = b.Execute(func() error { return errors.New("x") })
	clock = clock.Add(11 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	_ = b.Execute(func() error { return errors.New("still failing") })
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CallDeadlineCountsAsFailure(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1,
		CallTimeout:      10 * time.Millisecond,
	})

	err := b.Execute(func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestState_Metric(t *testing.T) {
	assert.Equal(t, float64(0), Closed.Metric())
	assert.Equal(t, float64(0.5), HalfOpen.Metric())
	assert.Equal(t, float64(1), Open.Metric())
}
