package utils

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// DefaultBackoffConfig returns the recommended exponential backoff
// configuration with 10% jitter to prevent thundering herd problems
func DefaultBackoffConfig() wait.Backoff {
	return wait.Backoff{
		Steps:    4,                      // Maximum 4 attempts
		Duration: 250 * time.Millisecond, // Initial delay
		Factor:   2.0,                    // 250ms, 500ms, 1s, 2s
		Jitter:   0.1,                    // 10% jitter
	}
}

// RetryWithBackoff retries an operation with exponential backoff until
// success or exhaustion. The function respects context cancellation and
// distinguishes transient from fatal errors via IsTransientMountError.
//
// Returns:
//   - nil if fn() succeeds
//   - a wait interruption error if all retries exhausted with transient errors
//   - the actual error if fn() returns a non-transient error
//   - context.Canceled or context.DeadlineExceeded if ctx is cancelled
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, fn func() error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn()

		if lastErr == nil {
			klog.V(4).Infof("Operation succeeded on attempt %d", attempt)
			return true, nil
		}

		if IsTransientMountError(lastErr) {
			klog.V(4).Infof("Attempt %d failed with transient error: %v", attempt, lastErr)
			return false, nil
		}

		klog.V(4).Infof("Attempt %d failed with non-transient error: %v", attempt, lastErr)
		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil {
		klog.V(2).Infof("All %d retry attempts exhausted, last error: %v", attempt, lastErr)
	}

	return err
}
