package engine

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy decides whether a failed or timed out state is retried and how
// long the retry waits before it becomes eligible for dispatch.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int
	Strategy    BackoffStrategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to ±25%.
	Jitter bool
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		Strategy:    BackoffExponential,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// ShouldRetry reports whether a state preceded by retryCount failed attempts
// may be retried after failing itself.
func (p *RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount+1 < max(p.MaxAttempts, 1)
}

// Backoff returns the delay before the retry that follows the given number of
// failed attempts.
func (p *RetryPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffFixed:
		delay = p.BaseDelay
	case BackoffLinear:
		delay = p.BaseDelay * time.Duration(failures)
	default:
		delay = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(failures-1)))
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}

	if p.Jitter {
		//nolint:gosec // Using weak RNG for jitter is acceptable, not security-critical
		delay += time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
		if p.MaxDelay > 0 {
			delay = min(delay, p.MaxDelay)
		}
	}
	return max(delay, 0)
}
