package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

func quickBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    3,
		Duration: time.Millisecond,
		Factor:   1.0,
	}
}

func TestRetryWithBackoffSuccess(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), quickBackoff(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithBackoffTransientThenSuccess(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), quickBackoff(), func() error {
		calls++
		if calls < 3 {
			return errors.New("mount failed: no such file or directory")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoffNonTransientStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("mount failed: permission denied")
	err := RetryWithBackoff(context.Background(), quickBackoff(), func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-transient errors must not be retried, got %d calls", calls)
	}
}

func TestRetryWithBackoffExhaustion(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), quickBackoff(), func() error {
		calls++
		return errors.New("device or resource busy")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !wait.Interrupted(err) {
		t.Errorf("expected wait interruption, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryWithBackoffContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, quickBackoff(), func() error {
		return errors.New("try again")
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
