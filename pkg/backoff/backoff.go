// Package backoff computes retry delays for failed action steps.
package backoff

import (
	"time"

	"github.com/everflow-crm/everflow/pkg/consts"
)

// BackoffFunc returns the delay to wait before the given retry.  retryCount
// is the number of retries already consumed: the first retry of a step is
// retryCount 0.
type BackoffFunc func(retryCount int) time.Duration

// DefaultBackoff doubles a 60 second base per retry.
var DefaultBackoff = Exponential(consts.DefaultRetryBaseDelay)

// Exponential returns base * 2^retryCount, clamped between
// consts.MinRetryDelay and consts.MaxRetryDelay.
func Exponential(base time.Duration) BackoffFunc {
	return func(retryCount int) time.Duration {
		if retryCount < 0 {
			retryCount = 0
		}
		// 2^40 * 1s already exceeds the cap; avoid shift overflow.
		if retryCount > 40 {
			return consts.MaxRetryDelay
		}
		d := base * time.Duration(uint64(1)<<uint(retryCount))
		if d > consts.MaxRetryDelay {
			return consts.MaxRetryDelay
		}
		if d < consts.MinRetryDelay {
			return consts.MinRetryDelay
		}
		return d
	}
}

// Linear returns a fixed interval between retries.
func Linear(interval time.Duration) BackoffFunc {
	return func(retryCount int) time.Duration {
		return interval
	}
}

// Delay resolves the next retry time, honoring an explicit retry-after hint
// from the action handler over the computed backoff.
func Delay(f BackoffFunc, retryCount int, hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		d := *hint
		if d > consts.MaxRetryDelay {
			return consts.MaxRetryDelay
		}
		if d < consts.MinRetryDelay {
			return consts.MinRetryDelay
		}
		return d
	}
	return f(retryCount)
}
