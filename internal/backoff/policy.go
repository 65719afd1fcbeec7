// Package backoff provides the reconnect delay policy for the WhatsApp Web
// client: exponential backoff with symmetric jitter and an optional attempt
// cap.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrGiveUp is returned when the policy's attempt cap is reached.
var ErrGiveUp = errors.New("backoff attempt limit reached")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay before the first retry, in milliseconds.
	InitialMs float64
	// MaxMs caps the computed delay, in milliseconds.
	MaxMs float64
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the symmetric randomization fraction: the delay is
	// multiplied by a value in [1-Jitter, 1+Jitter].
	Jitter float64
	// MaxAttempts stops retrying once attempt reaches it; 0 means
	// unlimited.
	MaxAttempts int
}

// Decision is the outcome of NextDelay for one attempt.
type Decision struct {
	Delay  time.Duration
	GiveUp bool
}

// NextDelay computes the reconnect decision for a zero-indexed attempt.
func NextDelay(attempt int, policy Policy) Decision {
	return NextDelayWithRand(attempt, policy, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// NextDelayWithRand computes the decision using a provided random value in
// [0.0, 1.0), for deterministic tests.
func NextDelayWithRand(attempt int, policy Policy, randomValue float64) Decision {
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		return Decision{GiveUp: true}
	}

	exp := math.Max(float64(attempt), 0)
	base := math.Min(policy.InitialMs*math.Pow(policy.Factor, exp), policy.MaxMs)

	// Map randomValue into [1-jitter, 1+jitter].
	multiplier := 1 + policy.Jitter*(2*randomValue-1)
	delayMs := math.Round(base * multiplier)
	if delayMs < 0 {
		delayMs = 0
	}

	return Decision{Delay: time.Duration(delayMs) * time.Millisecond}
}

// DefaultPolicy is the reconnect policy used when the config leaves the
// backoff section empty: 1s initial, 30s cap, doubling, 10% jitter,
// unlimited attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 1000,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}
