// Package retry provides the backoff policy applied to transient step
// failures. Attempt counts are derived from the enrollment's run audit
// trail, never from a separate counter.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior for step execution.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Must be at least 1. Once an enrollment's current step accumulates
	// this many error runs, the enrollment is marked failed.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry.
	// For example, 2.0 doubles the delay each time.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	// For example, 0.1 adds up to 10% random variation.
	Jitter float64
}

// Default returns a sensible default retry policy.
// 5 attempts, 30 second initial delay, 1 hour max, 2x multiplier, 10% jitter.
// Message sends go through third-party providers, so the defaults back
// off far enough to ride out provider incidents.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 30 * time.Second,
		MaxDelay:     1 * time.Hour,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NoRetry returns a policy that doesn't retry.
func NoRetry() *Policy {
	return &Policy{
		MaxAttempts:  1,
		InitialDelay: 0,
		MaxDelay:     0,
		Multiplier:   1.0,
		Jitter:       0,
	}
}

// NextDelay calculates the delay for the given attempt.
// Attempt is 1-indexed (attempt 1 is the first retry, after the initial try).
// Returns 0 for attempt 0 or negative attempts.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	// attempt 1 -> InitialDelay
	// attempt 2 -> InitialDelay * Multiplier
	// attempt 3 -> InitialDelay * Multiplier^2
	multiplier := math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * multiplier)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// delay * (1 - jitter + 2*jitter*rand) gives range [1-jitter, 1+jitter]
		jitterFactor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// NextRunAt returns the instant the enrollment becomes due again after
// the given failed attempt.
func (p *Policy) NextRunAt(now time.Time, attempt int) time.Time {
	return now.Add(p.NextDelay(attempt))
}

// IsTerminal returns true when the attempt count has exhausted the
// policy: the enrollment should be marked failed rather than
// rescheduled. Attempts is the number of error runs recorded for the
// current step, including the one that just failed.
func (p *Policy) IsTerminal(attempts int) bool {
	return attempts >= p.MaxAttempts
}
