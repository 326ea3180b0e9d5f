package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransientMountError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "nil error",
			err:       nil,
			transient: false,
		},
		{
			name:      "target not ready sentinel",
			err:       fmt.Errorf("publish: %w", ErrTargetNotReady),
			transient: true,
		},
		{
			name:      "path not created yet",
			err:       errors.New("mount failed: no such file or directory"),
			transient: true,
		},
		{
			name:      "busy target",
			err:       errors.New("umount failed: device or resource busy"),
			transient: true,
		},
		{
			name:      "unsupported filesystem",
			err:       errors.New("mount failed: unknown filesystem type 'overlay'"),
			transient: false,
		},
		{
			name:      "permission denied",
			err:       errors.New("mount failed: permission denied"),
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientMountError(tt.err); got != tt.transient {
				t.Errorf("IsTransientMountError(%v) = %v, want %v", tt.err, got, tt.transient)
			}
		})
	}
}

func TestSentinelWrapping(t *testing.T) {
	wrapped := fmt.Errorf("NodePublishVolume: %w", ErrAlreadyMountedDifferently)
	if !errors.Is(wrapped, ErrAlreadyMountedDifferently) {
		t.Error("wrapped sentinel should satisfy errors.Is")
	}
}
