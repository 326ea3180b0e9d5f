// Package paths maps volume and pod identity to host-visible filesystem
// paths. The kubelet lays pod ephemeral storage out as
// {podsRoot}/{podUID}/volumes/kubernetes.io~empty-dir/{volumeName}; every
// path the engine touches (bind sources, overlay upper/work layers, the
// base pool root) is derived from that layout so that promotion renames
// stay on a single filesystem.
package paths

import (
	"path/filepath"
)

const (
	// DefaultPodsRoot is the standard kubelet pods directory.
	DefaultPodsRoot = "/var/lib/kubelet/pods"

	// emptyDirPlugin is the kubelet volume plugin directory name for emptyDir volumes.
	emptyDirPlugin = "kubernetes.io~empty-dir"

	// dataDirName holds a volume's writable backing tree (bind source and
	// promotion candidate).
	dataDirName = "data"

	// upperDirName and workDirName hold the overlay layers for an
	// overlay-backed volume.
	upperDirName = "upper"
	workDirName  = "work"
)

// Resolver resolves host paths for volumes and pods. It is a pure mapping
// and holds no state beyond its configured roots.
type Resolver struct {
	podsRoot string
}

// NewResolver creates a Resolver rooted at podsRoot. If podsRoot is empty,
// DefaultPodsRoot is used.
func NewResolver(podsRoot string) *Resolver {
	if podsRoot == "" {
		podsRoot = DefaultPodsRoot
	}
	return &Resolver{podsRoot: podsRoot}
}

// PodsRoot returns the configured kubelet pods directory.
func (r *Resolver) PodsRoot() string {
	return r.podsRoot
}

// EmptyDir returns the host path of an emptyDir volume inside a pod.
func (r *Resolver) EmptyDir(podUID, volumeName string) string {
	return filepath.Join(r.podsRoot, podUID, "volumes", emptyDirPlugin, volumeName)
}

// VolumeRoot returns the per-volume directory inside the requesting pod's
// ephemeral storage. Everything the engine creates for the volume lives
// under this directory and is discarded with the pod.
func (r *Resolver) VolumeRoot(podUID, volumeID string) string {
	return r.EmptyDir(podUID, volumeID)
}

// DataDir returns the volume's backing directory: the bind-mount source for
// an empty volume and the candidate directory for promotion.
func (r *Resolver) DataDir(podUID, volumeID string) string {
	return filepath.Join(r.VolumeRoot(podUID, volumeID), dataDirName)
}

// UpperDir returns the overlay upper layer for an overlay-backed volume.
func (r *Resolver) UpperDir(podUID, volumeID string) string {
	return filepath.Join(r.VolumeRoot(podUID, volumeID), upperDirName)
}

// WorkDir returns the overlay work directory for an overlay-backed volume.
func (r *Resolver) WorkDir(podUID, volumeID string) string {
	return filepath.Join(r.VolumeRoot(podUID, volumeID), workDirName)
}

// BasesHostRoot returns the host path of the base pool when the pool is
// backed by an emptyDir volume named "bases" in the plugin's own pod. The
// plugin sees the pool at its in-container mount path, but promotion must
// rename through the host view so source and destination share a filesystem.
func (r *Resolver) BasesHostRoot(pluginPodUID string) string {
	return r.EmptyDir(pluginPodUID, "bases")
}
