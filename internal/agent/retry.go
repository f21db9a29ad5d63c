package agent

import (
	"strings"
	"time"
)

// RetryPolicy bounds transient-failure retries for one invocation. The
// constants are tunables, not contracts; tests assert attempt counts rather
// than timing.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy returns the adapter's stock retry tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  10 * time.Second,
	}
}

// normalized fills zero fields with the defaults.
func (policy RetryPolicy) normalized() RetryPolicy {
	stock := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = stock.MaxAttempts
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = stock.BackoffBase
	}
	if policy.BackoffMax <= 0 {
		policy.BackoffMax = stock.BackoffMax
	}
	return policy
}

// transientSignatures are the failure substrings worth retrying: stream
// disconnects, transport errors, and rate or timeout pushback. Matching is
// case-insensitive against the failure diagnostic only, never the reply body.
var transientSignatures = []string{
	"stream disconnected",
	"stream error",
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"econnreset",
	"etimedout",
	"network error",
	"socket hang up",
	"timed out",
	"timeout",
	"rate limit",
	"429",
	"overloaded",
}

// isTransient reports whether a failure diagnostic matches a retryable
// signature.
func isTransient(diagnostic string) bool {
	if strings.TrimSpace(diagnostic) == "" {
		return false
	}
	lower := strings.ToLower(diagnostic)
	for _, signature := range transientSignatures {
		if strings.Contains(lower, signature) {
			return true
		}
	}
	return false
}

// backoffDelay returns the capped exponential delay before the next attempt.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := policy.BackoffBase * time.Duration(1<<uint(attempt-1))
	if policy.BackoffMax > 0 && delay > policy.BackoffMax {
		delay = policy.BackoffMax
	}
	return delay
}
