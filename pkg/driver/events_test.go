package driver

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestPod(namespace, name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			UID:       "pod-uid-123",
		},
	}
}

// TestNewEventPoster_CreatesRecorder tests EventPoster creation
func TestNewEventPoster_CreatesRecorder(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()

	poster := NewEventPoster(fakeClient)

	if poster == nil {
		t.Fatal("Expected non-nil EventPoster")
	}

	if poster.recorder == nil {
		t.Error("Expected recorder to be set")
	}

	if poster.clientset == nil {
		t.Error("Expected clientset to be set")
	}
}

// TestPostMountFailure_PostsEvent tests posting mount failure events
func TestPostMountFailure_PostsEvent(t *testing.T) {
	fakeClient := fake.NewSimpleClientset(newTestPod("default", "test-pod"))

	poster := NewEventPoster(fakeClient)

	ctx := context.Background()
	err := poster.PostMountFailure(ctx, "default", "test-pod", "vol-123", "node-1", "mount failed: no such device")

	if err != nil {
		t.Fatalf("PostMountFailure failed: %v", err)
	}

	// The fake EventRecorder doesn't create Event objects that we can
	// query; the broadcaster writes them to the event sink asynchronously.
	// For unit testing, we verify the call succeeded without error.
}

// TestPostMountFailure_PodNotFound tests graceful handling of missing pods
func TestPostMountFailure_PodNotFound(t *testing.T) {
	// Create fake client WITHOUT the pod
	fakeClient := fake.NewSimpleClientset()

	poster := NewEventPoster(fakeClient)

	ctx := context.Background()
	err := poster.PostMountFailure(ctx, "default", "nonexistent-pod", "vol-123", "node-1", "mount failed")

	// Should return nil (graceful handling): the pod may be terminating
	if err != nil {
		t.Errorf("Expected nil error for missing pod, got %v", err)
	}
}

// TestPostPromotionFailed_PostsEvent tests promotion failure event posting
func TestPostPromotionFailed_PostsEvent(t *testing.T) {
	fakeClient := fake.NewSimpleClientset(newTestPod("builds", "builder-pod"))

	poster := NewEventPoster(fakeClient)

	ctx := context.Background()
	err := poster.PostPromotionFailed(ctx, "builds", "builder-pod", "vol-456", "node-2", "pool_not_empty")

	if err != nil {
		t.Fatalf("PostPromotionFailed failed: %v", err)
	}
}

// TestPostPromotionFailed_PodNotFound tests graceful handling of missing pods
func TestPostPromotionFailed_PodNotFound(t *testing.T) {
	fakeClient := fake.NewSimpleClientset()

	poster := NewEventPoster(fakeClient)

	ctx := context.Background()
	err := poster.PostPromotionFailed(ctx, "builds", "gone-pod", "vol-456", "node-2", "rename_failed")

	if err != nil {
		t.Errorf("Expected nil error for missing pod, got %v", err)
	}
}
