// Package overlay implements the volume lifecycle engine: publishing
// volumes as bind or overlay mounts against the base pool, and
// unpublishing them with optional promotion into the pool.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/basepool"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/mount"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/paths"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/utils"
)

// State describes how a published volume is backed
type State int

const (
	// StateEmpty is a bind-mounted volume with no base; a promotion candidate
	StateEmpty State = iota

	// StateOverlayed is an overlay mount on top of a pool base; never promoted
	StateOverlayed
)

// String returns the state name for logging
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateOverlayed:
		return "Overlayed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Volume is the recorded state of a published volume. It lives only for
// the publish/unpublish window; nothing is persisted beyond the
// directories on disk.
type Volume struct {
	ID         string
	TargetPath string
	PodUID     string
	State      State

	// PodName and PodNamespace identify the requesting pod for event
	// posting; they may be empty
	PodName      string
	PodNamespace string

	// BaseID references the pool base backing an Overlayed volume.
	// The reference is non-owning; the pool owns the base.
	BaseID string

	// DataDir is the backing directory of an Empty volume (bind source
	// and promotion candidate)
	DataDir string

	// UpperDir and WorkDir are the overlay layers of an Overlayed volume,
	// under the requesting pod's ephemeral storage
	UpperDir string
	WorkDir  string

	CreatedAt time.Time
}

// Config contains the collaborators for a Manager
type Config struct {
	// Pool is the base pool (required)
	Pool *basepool.Pool

	// Mounter executes mount operations (required)
	Mounter mount.Mounter

	// Resolver maps volume and pod identity to host paths (required)
	Resolver *paths.Resolver

	// Metrics records operation metrics (nil to disable)
	Metrics *observability.Metrics
}

// Manager orchestrates volume publish and unpublish against the base
// pool. Requests for distinct volume IDs may run concurrently; the only
// cross-request state is the pool (locked internally) and the volume
// record map (guarded by mu).
type Manager struct {
	pool     *basepool.Pool
	mounter  mount.Mounter
	resolver *paths.Resolver
	metrics  *observability.Metrics

	// onPromotionFallback is invoked when a marked volume could not be
	// promoted and was deleted instead (may be nil)
	onPromotionFallback func(vol Volume, reason string)

	mu      sync.Mutex
	volumes map[string]*Volume
}

// PublishRequest carries the inputs for publishing one volume
type PublishRequest struct {
	// VolumeID is the externally assigned volume identifier
	VolumeID string

	// TargetPath is where the merged view must appear
	TargetPath string

	// PodUID identifies the requesting pod, whose ephemeral storage holds
	// the volume's backing and overlay layers
	PodUID string

	// PodName and PodNamespace are optional, used only for event posting
	PodName      string
	PodNamespace string
}

// NewManager creates a volume lifecycle manager
func NewManager(config Config) (*Manager, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("Pool is required")
	}
	if config.Mounter == nil {
		return nil, fmt.Errorf("Mounter is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("Resolver is required")
	}

	return &Manager{
		pool:     config.Pool,
		mounter:  config.Mounter,
		resolver: config.Resolver,
		metrics:  config.Metrics,
		volumes:  make(map[string]*Volume),
	}, nil
}

// Publish mounts the volume at its target path: an overlay mount when a
// base is available, otherwise a bind mount of a fresh empty directory.
// Republishing an already-mounted volume with identical parameters is a
// no-op success; a target occupied by anything else fails with
// ErrAlreadyMountedDifferently.
func (m *Manager) Publish(ctx context.Context, req PublishRequest) (err error) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordVolumeOp("publish", err, time.Since(start))
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}

	klog.V(2).Infof("Publishing volume %s at %s (pod %s)", req.VolumeID, req.TargetPath, req.PodUID)

	m.mu.Lock()
	existing := m.volumes[req.VolumeID]
	m.mu.Unlock()

	if existing != nil {
		if existing.TargetPath != req.TargetPath {
			return fmt.Errorf("%w: volume %s is published at %s",
				utils.ErrAlreadyMountedDifferently, req.VolumeID, existing.TargetPath)
		}
		mounted, checkErr := m.mounter.IsLikelyMountPoint(req.TargetPath)
		if checkErr != nil {
			return fmt.Errorf("failed to check target path: %w", checkErr)
		}
		if mounted {
			klog.V(2).Infof("Volume %s already published at %s, nothing to do", req.VolumeID, req.TargetPath)
			return nil
		}
		// Recorded but unmounted: re-establish the same mount shape
		return m.remount(ctx, existing)
	}

	// No record for this volume; an occupied target belongs to someone else
	mounted, checkErr := m.mounter.IsLikelyMountPoint(req.TargetPath)
	if checkErr != nil {
		return fmt.Errorf("failed to check target path: %w", checkErr)
	}
	if mounted {
		return fmt.Errorf("%w: target %s is occupied by an unknown mount",
			utils.ErrAlreadyMountedDifferently, req.TargetPath)
	}

	// Picking increments the base's reference count under the pool lock,
	// which keeps the reaper from evicting it before the mount below is
	// established
	if base, ok := m.pool.TryPick(); ok {
		err = m.publishOverlay(ctx, req, base)
	} else {
		err = m.publishEmpty(ctx, req)
	}
	return err
}

// publishOverlay mounts req's volume as an overlay on top of base.
func (m *Manager) publishOverlay(ctx context.Context, req PublishRequest, base basepool.Base) error {
	upper := m.resolver.UpperDir(req.PodUID, req.VolumeID)
	work := m.resolver.WorkDir(req.PodUID, req.VolumeID)

	klog.V(2).Infof("Creating overlay for volume %s on base %s", req.VolumeID, base.ID)

	for _, dir := range []string{upper, work} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			m.pool.Release(base.ID)
			return fmt.Errorf("failed to create overlay layer directory: %w", err)
		}
	}

	mountErr := utils.RetryWithBackoff(ctx, utils.DefaultBackoffConfig(), func() error {
		return m.mounter.OverlayMount(req.VolumeID, base.Path, upper, work, req.TargetPath)
	})
	if m.metrics != nil {
		m.metrics.RecordMountOp("overlay", mountErr)
	}
	if mountErr != nil {
		m.pool.Release(base.ID)
		return fmt.Errorf("%w: %v", utils.ErrMountFailed, mountErr)
	}

	m.record(&Volume{
		ID:           req.VolumeID,
		TargetPath:   req.TargetPath,
		PodUID:       req.PodUID,
		PodName:      req.PodName,
		PodNamespace: req.PodNamespace,
		State:        StateOverlayed,
		BaseID:       base.ID,
		UpperDir:     upper,
		WorkDir:      work,
		CreatedAt:    time.Now(),
	})
	if m.metrics != nil {
		m.metrics.RecordOverlayRef(1)
		m.metrics.SetPoolSize(m.pool.Len())
	}

	klog.V(2).Infof("Published volume %s as overlay on base %s", req.VolumeID, base.ID)
	return nil
}

// publishEmpty mounts req's volume as a bind mount of a fresh directory.
func (m *Manager) publishEmpty(ctx context.Context, req PublishRequest) error {
	data := m.resolver.DataDir(req.PodUID, req.VolumeID)

	klog.V(2).Infof("No base available, creating volume %s from scratch", req.VolumeID)

	if err := os.MkdirAll(data, 0750); err != nil {
		return fmt.Errorf("failed to create backing directory: %w", err)
	}

	mountErr := utils.RetryWithBackoff(ctx, utils.DefaultBackoffConfig(), func() error {
		return m.mounter.BindMount(data, req.TargetPath)
	})
	if m.metrics != nil {
		m.metrics.RecordMountOp("bind", mountErr)
	}
	if mountErr != nil {
		return fmt.Errorf("%w: %v", utils.ErrMountFailed, mountErr)
	}

	m.record(&Volume{
		ID:           req.VolumeID,
		TargetPath:   req.TargetPath,
		PodUID:       req.PodUID,
		PodName:      req.PodName,
		PodNamespace: req.PodNamespace,
		State:        StateEmpty,
		DataDir:      data,
		CreatedAt:    time.Now(),
	})

	klog.V(2).Infof("Published volume %s as bind mount (promotion candidate)", req.VolumeID)
	return nil
}

// remount re-establishes a recorded volume's mount after the target was
// unmounted out from under us (node reboot mid-lifecycle, manual umount).
func (m *Manager) remount(ctx context.Context, vol *Volume) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	klog.Warningf("Volume %s recorded but not mounted at %s, remounting", vol.ID, vol.TargetPath)

	var mountErr error
	switch vol.State {
	case StateOverlayed:
		base, found := m.baseByID(vol.BaseID)
		if !found {
			return fmt.Errorf("%w: base %s backing volume %s no longer exists",
				utils.ErrMountFailed, vol.BaseID, vol.ID)
		}
		mountErr = m.mounter.OverlayMount(vol.ID, base.Path, vol.UpperDir, vol.WorkDir, vol.TargetPath)
	case StateEmpty:
		mountErr = m.mounter.BindMount(vol.DataDir, vol.TargetPath)
	}
	if mountErr != nil {
		return fmt.Errorf("%w: %v", utils.ErrMountFailed, mountErr)
	}
	return nil
}

// baseByID looks a base up in the pool's current snapshot.
func (m *Manager) baseByID(id string) (basepool.Base, bool) {
	for _, info := range m.pool.List() {
		if info.ID == id {
			return info.Base, true
		}
	}
	return basepool.Base{}, false
}

// Unpublish unmounts the volume and disposes of its backing storage:
// overlay layers are deleted and the base reference dropped; an empty
// volume carrying the promotion marker is promoted into the pool when the
// pool is still empty, and deleted otherwise. Unpublish is idempotent:
// unknown volumes and already-unmounted targets are success.
func (m *Manager) Unpublish(ctx context.Context, volumeID, targetPath string) (err error) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordVolumeOp("unpublish", err, time.Since(start))
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	vol := m.volumes[volumeID]
	m.mu.Unlock()

	if targetPath == "" && vol != nil {
		targetPath = vol.TargetPath
	}

	klog.V(2).Infof("Unpublishing volume %s from %s", volumeID, targetPath)

	if targetPath != "" {
		unmountErr := m.mounter.Unmount(targetPath)
		if m.metrics != nil {
			m.metrics.RecordMountOp("unmount", unmountErr)
		}
		if unmountErr != nil {
			return fmt.Errorf("%w: %v", utils.ErrUnmountFailed, unmountErr)
		}
	}

	if vol == nil {
		klog.V(2).Infof("Volume %s is unknown, unpublish is a no-op", volumeID)
		return nil
	}

	switch vol.State {
	case StateOverlayed:
		m.disposeOverlayed(vol)
	case StateEmpty:
		m.disposeEmpty(vol)
	}

	m.mu.Lock()
	delete(m.volumes, volumeID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetPoolSize(m.pool.Len())
	}

	klog.V(2).Infof("Unpublished volume %s", volumeID)
	return nil
}

// disposeOverlayed drops the base reference and deletes the volume's
// overlay layers. The base itself is never touched.
func (m *Manager) disposeOverlayed(vol *Volume) {
	m.pool.Release(vol.BaseID)
	if m.metrics != nil {
		m.metrics.RecordOverlayRef(-1)
	}

	for _, dir := range []string{vol.UpperDir, vol.WorkDir} {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("Failed to delete overlay layer %s of volume %s: %v", dir, vol.ID, err)
		}
	}
	klog.V(2).Infof("Dropped reference of volume %s on base %s", vol.ID, vol.BaseID)
}

// disposeEmpty promotes or deletes an empty volume's backing directory.
// Promotion failures fall back to deletion and never fail the unpublish:
// promotion is an internal optimization, not part of the unpublish
// contract.
func (m *Manager) disposeEmpty(vol *Volume) {
	marker := filepath.Join(vol.DataDir, basepool.MarkerFilename)
	if _, err := os.Stat(marker); err != nil {
		klog.V(2).Infof("Volume %s carries no promotion marker, deleting backing directory", vol.ID)
		m.deleteBacking(vol)
		return
	}

	baseID, err := m.pool.Promote(vol.DataDir)
	if err == nil {
		if m.metrics != nil {
			m.metrics.RecordPromotion()
		}
		klog.Infof("Volume %s promoted into base %s", vol.ID, baseID)
		return
	}

	reason := "rename_failed"
	if errors.Is(err, basepool.ErrPoolNotEmpty) {
		reason = "pool_not_empty"
		klog.V(2).Infof("Volume %s not promoted, a base already exists", vol.ID)
	} else {
		klog.Warningf("Promotion of volume %s failed (%v), falling back to deletion", vol.ID, err)
	}
	if m.metrics != nil {
		m.metrics.RecordPromotionFallback(reason)
	}
	if m.onPromotionFallback != nil {
		m.onPromotionFallback(*vol, reason)
	}
	m.deleteBacking(vol)
}

// deleteBacking removes an empty volume's backing directory.
func (m *Manager) deleteBacking(vol *Volume) {
	if err := os.RemoveAll(vol.DataDir); err != nil {
		klog.Warningf("Failed to delete backing directory of volume %s: %v", vol.ID, err)
	}
}

// record stores a volume's state under the map lock.
func (m *Manager) record(vol *Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[vol.ID] = vol
}

// SetPromotionFallbackHandler installs a callback invoked whenever a
// marked volume is deleted instead of promoted. Set before serving
// requests; the handler runs on the unpublishing goroutine.
func (m *Manager) SetPromotionFallbackHandler(fn func(vol Volume, reason string)) {
	m.onPromotionFallback = fn
}

// Volume returns the recorded state of a published volume.
func (m *Manager) Volume(volumeID string) (Volume, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vol, ok := m.volumes[volumeID]
	if !ok {
		return Volume{}, false
	}
	return *vol, true
}

// DeviceStats returns filesystem statistics for a published path.
func (m *Manager) DeviceStats(path string) (*mount.DeviceStats, error) {
	return m.mounter.GetDeviceStats(path)
}
