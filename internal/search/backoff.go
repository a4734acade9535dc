package search

import (
	"math"
	"time"
)

// Backoff defaults mirror the queue contract: three attempts, one second base.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// ExponentialBackoff bounds attempts and computes deterministic retry delays.
type ExponentialBackoff struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialBackoff builds a policy. Non-positive values fall back to the
// defaults; a zero maxDelay leaves delays uncapped.
func NewExponentialBackoff(maxAttempts int, baseDelay, maxDelay time.Duration) ExponentialBackoff {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return ExponentialBackoff{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the configured attempt ceiling.
func (b ExponentialBackoff) MaxAttempts() int { return b.maxAttempts }

// ShouldRetry reports whether another attempt is allowed after failed
// attempts have failed.
func (b ExponentialBackoff) ShouldRetry(failed int) bool {
	return failed < b.maxAttempts
}

// Delay returns base * 2^(failed-1).
func (b ExponentialBackoff) Delay(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	delay := float64(b.baseDelay) * math.Pow(2, float64(failed-1))
	if b.maxDelay > 0 && delay > float64(b.maxDelay) {
		return b.maxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
