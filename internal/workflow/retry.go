package workflow

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy defines how often and how fast a failed invocation is
// re-attempted.
type RetryPolicy struct {
	MaxRetries        int           // retries after the first attempt (0 = none)
	InitialDelay      time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on any single delay
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the driver's default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateDelay returns the delay before retry number retryCount
// (0-based): InitialDelay * multiplier^retryCount, capped at MaxDelay.
func (p RetryPolicy) CalculateDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return min(p.InitialDelay, p.MaxDelay)
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after retryCount
// retries.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier <= 0 {
		return errors.New("BackoffMultiplier must be positive")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
