package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedRetryPolicy(t *testing.T) {
	t.Parallel()

	p := FixedRetryPolicy{MaxRetries: 2, Delay: time.Second}
	err := errors.New("flaky")
	require.True(t, p.ShouldRetry(err, 1))
	require.True(t, p.ShouldRetry(err, 2))
	require.False(t, p.ShouldRetry(err, 3))
	require.Equal(t, time.Second, p.Backoff(7))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestRetryPolicySkipsOnlyPermanent(t *testing.T) {
	t.Parallel()

	p := FixedRetryPolicy{MaxRetries: 5}
	require.False(t, p.ShouldRetry(Permanent(errors.New("bad")), 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", Permanent(errors.New("bad"))), 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("decode: %w", ErrInvalidPayload), 1))
	require.True(t, p.ShouldRetry(context.Canceled, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("tab closed: %w", context.Canceled), 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestPermanentPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("session busy")
	err := Permanent(cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrPermanent)
	require.Equal(t, "session busy", err.Error())
	require.NoError(t, Permanent(nil))
}

func TestExponentialBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		full := min(100*time.Millisecond<<(attempt-1), time.Second)
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, full/2)
		require.Less(t, got, full)
	}
	require.True(t, p.ShouldRetry(errors.New("x"), 3))
	require.False(t, p.ShouldRetry(errors.New("x"), 4))
}
