package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func transient(err error) bool {
	return errors.Is(err, errTransient)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	policy := Policy{Attempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := Do(context.Background(), policy, transient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls, "exactly one success after two transient failures")
}

func TestDoNonRetryableErrorPropagatesImmediately(t *testing.T) {
	policy := Policy{Attempts: 3, BaseDelay: time.Millisecond}
	fatal := errors.New("constraint violation")

	calls := 0
	err := Do(context.Background(), policy, transient, func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := Policy{Attempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := Do(context.Background(), policy, transient, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, calls)
}

func TestDoBackoffDoubles(t *testing.T) {
	policy := Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond}

	start := time.Now()
	_ = Do(context.Background(), policy, transient, func(context.Context) error {
		return errTransient
	})
	elapsed := time.Since(start)
	// Two sleeps: 10ms + 20ms.
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestDoRespectsContextDuringBackoff(t *testing.T) {
	policy := Policy{Attempts: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, transient, func(context.Context) error {
			return errTransient
		})
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDoZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, transient, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
