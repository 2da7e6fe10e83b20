package infra

import (
	"time"
)

const (
	// Standard backoff constants
	defaultBaseDelay = 1 * time.Second
	maxDelay         = 60 * time.Second
)

// Backoff returns the exponential backoff duration for a given retry count.
// Logic: base * 2^retryCount, capped at maxDelay. The base is a parameter so
// the orchestrator can tune the inter-attempt delay (and tests can shrink
// it). A non-positive base falls back to 1s; a negative retryCount returns
// the base.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if retryCount < 0 {
		return base
	}

	// 2^retryCount
	// To prevent overflow with bit shifting, cap the exponent early.
	// 2^30 seconds is already far beyond maxDelay.
	if retryCount > 30 {
		return maxDelay
	}

	backoff := base * time.Duration(1<<retryCount)

	if backoff > maxDelay {
		return maxDelay
	}

	return backoff
}
