package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestDelayExponentialWithCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 400*time.Millisecond, p.Delay(3))
	require.Equal(t, 800*time.Millisecond, p.Delay(4))
	require.Equal(t, time.Second, p.Delay(5))
	require.Equal(t, time.Second, p.Delay(50))
}

func TestDelayMonotone(t *testing.T) {
	p := DefaultPolicy()
	for n := 1; n < 30; n++ {
		require.LessOrEqual(t, p.Delay(n), p.Delay(n+1))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: CategoryRetryable},
		{name: "not found lag", err: sql.ErrNoRows, want: CategoryRetryable},
		{name: "wrapped no rows", err: fmt.Errorf("load batch: %w", sql.ErrNoRows), want: CategoryRetryable},
		{name: "pq serialization failure", err: &pq.Error{Code: "40001"}, want: CategoryRetryable},
		{name: "pq deadlock", err: &pq.Error{Code: "40P01"}, want: CategoryRetryable},
		{name: "pq cannot connect now", err: &pq.Error{Code: "57P03"}, want: CategoryRetryable},
		{name: "pq permission denied", err: &pq.Error{Code: "42501"}, want: CategoryTerminal},
		{name: "pq invalid authorization", err: &pq.Error{Code: "28000"}, want: CategoryTerminal},
		{name: "marked terminal", err: fmt.Errorf("bad shard id: %w", ErrTerminal), want: CategoryTerminal},
		{name: "unknown defaults retryable", err: errors.New("boom"), want: CategoryRetryable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	require.False(t, p.Exhausted(4))
	require.True(t, p.Exhausted(5))
	require.True(t, p.Exhausted(6))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnTerminal(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fmt.Errorf("nope: %w", ErrTerminal)
	})
	require.ErrorIs(t, err, ErrTerminal)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("still broken")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoHonorsContext(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(context.Context) error {
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3)

	b.Record(errors.New("one"))
	b.Record(errors.New("two"))
	require.False(t, b.Open())

	b.Record(errors.New("three"))
	require.True(t, b.Open())
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker(2)

	b.Record(errors.New("one"))
	b.Record(nil)
	b.Record(errors.New("two"))
	require.False(t, b.Open())
	require.Equal(t, 1, b.Consecutive())
}
