package driver

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
)

// Event reasons - use consistent naming for filtering
const (
	EventReasonMountFailure    = "MountFailure"
	EventReasonPromotionFailed = "PromotionFailed"
)

// EventPoster posts Kubernetes events for volume operations
type EventPoster struct {
	recorder  record.EventRecorder
	clientset kubernetes.Interface
}

// eventSinkAdapter adapts the EventInterface to record.EventSink
// record.EventSink has methods without context, but EventInterface requires context
type eventSinkAdapter struct {
	eventInterface typedcorev1.EventInterface
}

func (a *eventSinkAdapter) Create(event *corev1.Event) (*corev1.Event, error) {
	return a.eventInterface.Create(context.Background(), event, metav1.CreateOptions{})
}

func (a *eventSinkAdapter) Update(event *corev1.Event) (*corev1.Event, error) {
	return a.eventInterface.Update(context.Background(), event, metav1.UpdateOptions{})
}

func (a *eventSinkAdapter) Patch(event *corev1.Event, data []byte) (*corev1.Event, error) {
	return a.eventInterface.Patch(context.Background(), event.Name, types.JSONPatchType, data, metav1.PatchOptions{})
}

// NewEventPoster creates a new EventPoster
// Accepts kubernetes.Interface and creates EventRecorder for posting events
// to the pods that requested the failing volumes
func NewEventPoster(clientset kubernetes.Interface) *EventPoster {
	// Create event broadcaster
	broadcaster := record.NewBroadcaster()

	// Start logging events to klog for visibility
	broadcaster.StartLogging(klog.Infof)

	// Start recording events to Kubernetes EventSink
	// Use adapter to convert EventInterface to EventSink (context requirement difference)
	broadcaster.StartRecordingToSink(&eventSinkAdapter{
		eventInterface: clientset.CoreV1().Events(""),
	})

	// Create event recorder with driver component name
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{
		Component: "overlayfs-csi-node",
	})

	return &EventPoster{
		recorder:  recorder,
		clientset: clientset,
	}
}

// PostMountFailure posts a Warning event about a mount failure to the pod
// that requested the volume.
// Message format: "[volumeID] on [nodeName]: [message]"
func (ep *EventPoster) PostMountFailure(ctx context.Context, podNamespace, podName, volumeID, nodeName, message string) error {
	// Get pod object to attach event
	pod, err := ep.clientset.CoreV1().Pods(podNamespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		// Don't fail the operation just because event couldn't be posted
		// Pod might be deleted, terminating, or temporarily unavailable
		klog.Warningf("Failed to get pod %s/%s for event posting: %v", podNamespace, podName, err)
		return nil
	}

	// Format event message with volume and node context
	eventMessage := fmt.Sprintf("[%s] on [%s]: %s", volumeID, nodeName, message)

	// Post Warning event to pod
	ep.recorder.Event(pod, corev1.EventTypeWarning, EventReasonMountFailure, eventMessage)

	klog.V(2).Infof("Posted mount failure event to pod %s/%s: %s", podNamespace, podName, eventMessage)

	return nil
}

// PostPromotionFailed posts a Warning event when an unpublished volume could
// not be promoted into the base pool and was discarded instead
func (ep *EventPoster) PostPromotionFailed(ctx context.Context, podNamespace, podName, volumeID, nodeName, reason string) error {
	// Get pod object to attach event
	pod, err := ep.clientset.CoreV1().Pods(podNamespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		// Don't fail the operation just because event couldn't be posted
		klog.Warningf("Failed to get pod %s/%s for promotion failure event posting: %v", podNamespace, podName, err)
		return nil
	}

	// Format event message with promotion context
	eventMessage := fmt.Sprintf("[%s] on [%s]: Volume was not promoted to a base: %s", volumeID, nodeName, reason)

	// Post Warning event to pod
	ep.recorder.Event(pod, corev1.EventTypeWarning, EventReasonPromotionFailed, eventMessage)

	klog.V(2).Infof("Posted promotion failure event to pod %s/%s: %s", podNamespace, podName, eventMessage)

	return nil
}
