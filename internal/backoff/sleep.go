package backoff

import (
	"context"
	"time"
)

// Sleep waits for duration, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepForAttempt computes the delay for attempt under policy and sleeps.
// It returns ErrGiveUp when the policy's attempt cap is reached, or ctx.Err()
// if the context is cancelled during the wait.
func SleepForAttempt(ctx context.Context, policy Policy, attempt int) error {
	decision := NextDelay(attempt, policy)
	if decision.GiveUp {
		return ErrGiveUp
	}
	return Sleep(ctx, decision.Delay)
}
