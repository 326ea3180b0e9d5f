package driver

import (
	"context"
	"errors"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/overlay"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/utils"
)

const (
	// VolumeContext keys injected by the kubelet for ephemeral inline volumes
	volumeContextPodUID       = "csi.storage.k8s.io/pod.uid"
	volumeContextPodName      = "csi.storage.k8s.io/pod.name"
	volumeContextPodNamespace = "csi.storage.k8s.io/pod.namespace"
)

// NodeServer implements the CSI Node service
type NodeServer struct {
	csi.UnimplementedNodeServer
	driver      *Driver
	manager     *overlay.Manager
	nodeID      string
	eventPoster *EventPoster // for posting K8s events
}

// NewNodeServer creates a new Node service
// If k8sClient is provided, events will be posted for mount failures
func NewNodeServer(driver *Driver, nodeID string, k8sClient kubernetes.Interface) *NodeServer {
	var eventPoster *EventPoster
	if k8sClient != nil {
		eventPoster = NewEventPoster(k8sClient)
	}

	ns := &NodeServer{
		driver:      driver,
		manager:     driver.manager,
		nodeID:      nodeID,
		eventPoster: eventPoster,
	}

	// A marked volume silently discarded instead of promoted is worth an
	// event on the requesting pod
	if eventPoster != nil {
		ns.manager.SetPromotionFallbackHandler(func(vol overlay.Volume, reason string) {
			if vol.PodNamespace == "" || vol.PodName == "" {
				return
			}
			ctx := context.Background()
			if err := eventPoster.PostPromotionFailed(ctx, vol.PodNamespace, vol.PodName, vol.ID, nodeID, reason); err != nil {
				klog.Warningf("Failed to post promotion failure event for volume %s: %v", vol.ID, err)
				return
			}
			if driver.metrics != nil {
				driver.metrics.RecordEventPosted(EventReasonPromotionFailed)
			}
		})
	}

	return ns
}

// NodePublishVolume publishes a volume to the target path.
// When a promoted base is available the volume is mounted as an overlay on
// top of it; otherwise a fresh empty directory is bind mounted.
func (ns *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()

	klog.V(2).Infof("NodePublishVolume called for volume: %s, target path: %s", volumeID, targetPath)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if err := utils.ValidateVolumeID(volumeID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume ID: %v", err)
	}
	if err := utils.ValidateTargetPath(targetPath); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid target path: %v", err)
	}

	// Extract pod identity from the volume context
	volumeContext := req.GetVolumeContext()
	podUID := volumeContext[volumeContextPodUID]
	if podUID == "" {
		return nil, status.Errorf(codes.InvalidArgument,
			"missing required volume context: %s", volumeContextPodUID)
	}
	if err := utils.ValidatePodUID(podUID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid pod UID: %v", err)
	}

	err := ns.manager.Publish(ctx, overlay.PublishRequest{
		VolumeID:     volumeID,
		TargetPath:   targetPath,
		PodUID:       podUID,
		PodName:      volumeContext[volumeContextPodName],
		PodNamespace: volumeContext[volumeContextPodNamespace],
	})
	if err != nil {
		ns.postMountFailure(ctx, volumeContext, volumeID, err)

		switch {
		case errors.Is(err, utils.ErrAlreadyMountedDifferently):
			return nil, status.Errorf(codes.FailedPrecondition, "failed to publish volume: %v", err)
		case errors.Is(err, utils.ErrInvalidParameter):
			return nil, status.Errorf(codes.InvalidArgument, "failed to publish volume: %v", err)
		default:
			return nil, status.Errorf(codes.Internal, "failed to publish volume: %v", err)
		}
	}

	klog.V(2).Infof("Successfully published volume %s to %s", volumeID, targetPath)

	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unpublishes a volume from the target path.
// A volume that was written and marked is promoted into the base pool;
// everything else is discarded.
func (ns *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()

	klog.V(2).Infof("NodeUnpublishVolume called for volume: %s, target path: %s", volumeID, targetPath)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	if err := ns.manager.Unpublish(ctx, volumeID, targetPath); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to unpublish volume: %v", err)
	}

	klog.V(2).Infof("Successfully unpublished volume %s from %s", volumeID, targetPath)

	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetVolumeStats returns volume usage statistics
func (ns *NodeServer) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	volumeID := req.GetVolumeId()
	volumePath := req.GetVolumePath()

	klog.V(4).Infof("NodeGetVolumeStats called for volume: %s, path: %s", volumeID, volumePath)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if volumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume path is required")
	}

	stats, err := ns.manager.DeviceStats(volumePath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get volume stats: %v", err)
	}

	return &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{
				Unit:      csi.VolumeUsage_BYTES,
				Total:     stats.TotalBytes,
				Used:      stats.UsedBytes,
				Available: stats.AvailableBytes,
			},
			{
				Unit:      csi.VolumeUsage_INODES,
				Total:     stats.TotalInodes,
				Used:      stats.UsedInodes,
				Available: stats.AvailableInodes,
			},
		},
	}, nil
}

// NodeGetCapabilities returns the supported capabilities of the node service
func (ns *NodeServer) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(5).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: ns.driver.nscaps,
	}, nil
}

// NodeGetInfo returns information about the node
func (ns *NodeServer) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	klog.V(4).Infof("NodeGetInfo called for node: %s", ns.nodeID)

	return &csi.NodeGetInfoResponse{
		NodeId: ns.nodeID,
		// MaxVolumesPerNode: 0 means unlimited
		MaxVolumesPerNode: 0,
	}, nil
}

// NodeStageVolume is not supported; volumes are mounted directly at publish
// time from node-local directories.
func (ns *NodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeStageVolume is not supported")
}

// NodeUnstageVolume is not supported
func (ns *NodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeUnstageVolume is not supported")
}

// NodeExpandVolume is not supported; volume size is bounded by the backing
// ephemeral storage.
func (ns *NodeServer) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeExpandVolume is not supported")
}

// postMountFailure posts a Warning event to the requesting pod if events are
// enabled and the volume context names one
func (ns *NodeServer) postMountFailure(ctx context.Context, volumeContext map[string]string, volumeID string, mountErr error) {
	if ns.eventPoster == nil {
		return
	}

	podNamespace := volumeContext[volumeContextPodNamespace]
	podName := volumeContext[volumeContextPodName]
	if podNamespace == "" || podName == "" {
		return
	}

	if err := ns.eventPoster.PostMountFailure(ctx, podNamespace, podName, volumeID, ns.nodeID, mountErr.Error()); err != nil {
		klog.Warningf("Failed to post mount failure event for volume %s: %v", volumeID, err)
		return
	}
	if ns.driver.metrics != nil {
		ns.driver.metrics.RecordEventPosted(EventReasonMountFailure)
	}
}
