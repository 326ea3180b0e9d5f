package mount

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Mounter handles filesystem mount operations
type Mounter interface {
	// BindMount exposes source at target as a bind mount
	BindMount(source, target string) error

	// OverlayMount constructs an overlay mount at target with the given
	// read-only lower layer and writable upper/work layers. source names
	// the mount for /proc/mounts visibility (conventionally the volume ID).
	OverlayMount(source, lower, upper, work, target string) error

	// Unmount unmounts the target; unmounting an already-unmounted path
	// is success, not an error
	Unmount(target string) error

	// IsLikelyMountPoint checks if a path is a mount point
	IsLikelyMountPoint(path string) (bool, error)

	// GetDeviceStats returns filesystem statistics for a mounted path
	GetDeviceStats(path string) (*DeviceStats, error)
}

// DeviceStats represents filesystem statistics
type DeviceStats struct {
	// Total size in bytes
	TotalBytes int64

	// Used bytes
	UsedBytes int64

	// Available bytes
	AvailableBytes int64

	// Total inodes
	TotalInodes int64

	// Used inodes
	UsedInodes int64

	// Available inodes
	AvailableInodes int64
}

// mounter implements Mounter using system commands
type mounter struct {
	execCommand func(name string, args ...string) *exec.Cmd
	mounted     func(path string) (bool, error)
	statfs      func(path string, buf *unix.Statfs_t) error
}

// NewMounter creates a new filesystem mounter
func NewMounter() Mounter {
	return &mounter{
		execCommand: exec.Command,
		mounted:     mountinfo.Mounted,
		statfs:      unix.Statfs,
	}
}

// BindMount exposes source at target as a bind mount
func (m *mounter) BindMount(source, target string) error {
	klog.V(2).Infof("Bind mounting %s to %s", source, target)

	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	cmd := m.execCommand("mount", "--bind", source, target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("bind mount failed: %w, output: %s", err, string(output))
	}

	klog.V(2).Infof("Successfully bind mounted %s to %s", source, target)
	return nil
}

// OverlayMount constructs an overlay mount at target
func (m *mounter) OverlayMount(source, lower, upper, work, target string) error {
	klog.V(2).Infof("Overlay mounting %s at %s (lower: %s, upper: %s, work: %s)",
		source, target, lower, upper, work)

	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	cmd := m.execCommand("mount", "-t", "overlay", source, "-o", opts, target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("overlay mount failed: %w, output: %s", err, string(output))
	}

	klog.V(4).Infof("overlay mount output: %s", string(output))
	klog.V(2).Infof("Successfully overlay mounted %s at %s", source, target)
	return nil
}

// Unmount unmounts the target path
func (m *mounter) Unmount(target string) error {
	klog.V(2).Infof("Unmounting %s", target)

	// Check if it's actually mounted
	mounted, err := m.IsLikelyMountPoint(target)
	if err != nil {
		return fmt.Errorf("failed to check if mounted: %w", err)
	}

	if !mounted {
		klog.V(2).Infof("Path %s is not mounted, nothing to unmount", target)
		return nil
	}

	cmd := m.execCommand("umount", target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// A racing unmount is still success
		if strings.Contains(string(output), "not mounted") {
			klog.V(2).Infof("Path %s was already unmounted", target)
			return nil
		}
		return fmt.Errorf("umount failed: %w, output: %s", err, string(output))
	}

	klog.V(4).Infof("umount output: %s", string(output))
	klog.V(2).Infof("Successfully unmounted %s", target)
	return nil
}

// IsLikelyMountPoint checks if a path is a mount point
func (m *mounter) IsLikelyMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	mounted, err := m.mounted(path)
	if err != nil {
		return false, fmt.Errorf("failed to check mountinfo for %s: %w", path, err)
	}
	return mounted, nil
}

// GetDeviceStats returns filesystem statistics for the given path
func (m *mounter) GetDeviceStats(path string) (*DeviceStats, error) {
	var st unix.Statfs_t
	if err := m.statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs failed for %s: %w", path, err)
	}

	return &DeviceStats{
		TotalBytes:      int64(st.Blocks) * st.Bsize,
		UsedBytes:       int64(st.Blocks-st.Bfree) * st.Bsize,
		AvailableBytes:  int64(st.Bavail) * st.Bsize,
		TotalInodes:     int64(st.Files),
		UsedInodes:      int64(st.Files - st.Ffree),
		AvailableInodes: int64(st.Ffree),
	}, nil
}
