package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop: up to Attempts executions, sleeping
// BaseDelay before the first retry and doubling after each one.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// TxPolicy is the policy for transactional commits that can hit row-lock
// deadlocks: 3 attempts with 100ms, 200ms, 400ms between them, bounding the
// added latency at roughly 700ms.
var TxPolicy = Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// Do runs fn, retrying per the policy while retryable reports the returned
// error as transient. Any other error propagates immediately; after the last
// attempt the last error propagates as-is. Sleeps respect ctx cancellation.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
