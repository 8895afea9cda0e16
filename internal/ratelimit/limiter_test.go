package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tally-io/tally/internal/core/storage/memory"
)

func TestAllowUnderLimit(t *testing.T) {
	limiter := NewLimiter(memory.NewRateLimitStore(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
}

func TestDenyOverLimit(t *testing.T) {
	limiter := NewLimiter(memory.NewRateLimitStore(), 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, decision.RetryAfter, time.Minute)
}

func TestActorsAreIndependent(t *testing.T) {
	limiter := NewLimiter(memory.NewRateLimitStore(), 1, time.Minute)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

func TestWindowRestartsAfterExpiry(t *testing.T) {
	store := memory.NewRateLimitStore()
	limiter := NewLimiter(store, 1, 10*time.Millisecond)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	time.Sleep(15 * time.Millisecond)

	decision, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}
