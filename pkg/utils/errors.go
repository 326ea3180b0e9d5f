package utils

import (
	"errors"
	"strings"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrMountFailed indicates a mount operation failed at the syscall level
	ErrMountFailed = errors.New("mount failed")

	// ErrUnmountFailed indicates an unmount operation failed
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrAlreadyMountedDifferently indicates the target path is occupied by
	// an incompatible existing mount; requires external correction
	ErrAlreadyMountedDifferently = errors.New("target already mounted with different configuration")

	// ErrTargetNotReady indicates the target path has not been created by
	// the orchestrator yet; callers may retry
	ErrTargetNotReady = errors.New("target path not ready")

	// ErrInvalidParameter indicates an invalid parameter was provided
	ErrInvalidParameter = errors.New("invalid parameter")
)

// transientPatterns match error text for conditions that resolve on their
// own once the orchestrator finishes setting the target path up.
var transientPatterns = []string{
	"no such file or directory",
	"not yet created",
	"device or resource busy",
	"resource temporarily unavailable",
	"try again",
}

// IsTransientMountError reports whether a mount failure is worth retrying.
// Mount failures are non-retryable by default (unsupported filesystem,
// permission denied); only not-yet-ready paths and transient busy states
// qualify.
func IsTransientMountError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetNotReady) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
