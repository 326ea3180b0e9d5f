package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/basepool"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/overlay"
)

const (
	// DriverName is the official name of this CSI driver
	DriverName = "overlayfs.csi.srvlab.io"

	// DriverVersion is the version of the driver
	// These will be set via ldflags during build
	defaultVersion = "dev"
)

var (
	version   = defaultVersion
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Driver implements the CSI Node and Identity services
type Driver struct {
	name    string
	version string
	nodeID  string

	// CSI services
	ids csi.IdentityServer
	ns  csi.NodeServer

	// Volume lifecycle manager (mounts, base pool, promotion)
	manager *overlay.Manager

	// Base pool backing the manager
	pool *basepool.Pool

	// Stale base reaper (optional)
	reaper *basepool.Reaper

	// Kubernetes client (for events)
	k8sClient kubernetes.Interface

	// Prometheus metrics (may be nil if disabled)
	metrics *observability.Metrics

	// gRPC server (set by Run)
	server *NonBlockingGRPCServer

	// Capabilities
	nscaps []*csi.NodeServiceCapability
}

// Config contains configuration for creating a driver instance
type Config struct {
	DriverName string
	NodeID     string
	Version    string

	// Volume lifecycle manager (required)
	Manager *overlay.Manager

	// Base pool (required, shared with the manager)
	Pool *basepool.Pool

	// Kubernetes client (optional, enables event posting)
	K8sClient kubernetes.Interface

	// Prometheus metrics (optional, nil to disable)
	Metrics *observability.Metrics

	// Stale base reaper settings
	EnableReaper bool
	ReapInterval time.Duration
	ReaperMaxAge time.Duration
	ReaperDryRun bool
}

// NewDriver creates a new overlayfs CSI driver
func NewDriver(config Config) (*Driver, error) {
	if config.DriverName == "" {
		config.DriverName = DriverName
	}
	if config.Version == "" {
		config.Version = version
	}
	if config.NodeID == "" {
		return nil, fmt.Errorf("NodeID is required")
	}
	if config.Manager == nil {
		return nil, fmt.Errorf("Manager is required")
	}
	if config.Pool == nil {
		return nil, fmt.Errorf("Pool is required")
	}

	klog.Infof("Driver: %s Version: %s GitCommit: %s BuildDate: %s", config.DriverName, config.Version, gitCommit, buildDate)

	driver := &Driver{
		name:      config.DriverName,
		version:   config.Version,
		nodeID:    config.NodeID,
		manager:   config.Manager,
		pool:      config.Pool,
		k8sClient: config.K8sClient,
		metrics:   config.Metrics,
	}

	driver.addNodeServiceCapabilities()

	// Initialize stale base reaper if enabled
	if config.EnableReaper {
		var reaperMetrics basepool.ReaperMetrics
		if config.Metrics != nil {
			reaperMetrics = config.Metrics
		}

		reaper, err := basepool.NewReaper(basepool.ReaperConfig{
			Pool:     config.Pool,
			Interval: config.ReapInterval,
			MaxAge:   config.ReaperMaxAge,
			DryRun:   config.ReaperDryRun,
			Enabled:  true,
			Metrics:  reaperMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create base reaper: %w", err)
		}

		driver.reaper = reaper
		klog.Infof("Base reaper enabled (interval=%v, max_age=%v, dry_run=%v)",
			config.ReapInterval, config.ReaperMaxAge, config.ReaperDryRun)
	}

	return driver, nil
}

// addNodeServiceCapabilities adds node service capabilities
func (d *Driver) addNodeServiceCapabilities() {
	d.nscaps = []*csi.NodeServiceCapability{
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
				},
			},
		},
	}
}

// Run starts the CSI driver gRPC server
func (d *Driver) Run(endpoint string) error {
	klog.Infof("Starting overlayfs CSI driver at endpoint %s", endpoint)

	// Initialize identity service (always available)
	d.ids = NewIdentityServer(d)

	// Initialize node service
	d.ns = NewNodeServer(d, d.nodeID, d.k8sClient)
	klog.Info("Node service enabled")

	// Start stale base reaper if configured
	if d.reaper != nil {
		if err := d.reaper.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start base reaper: %w", err)
		}
		klog.Info("Base reaper started")
	}

	// Start gRPC server
	d.server = NewNonBlockingGRPCServer(endpoint)
	if err := d.server.Start(d.ids, d.ns); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	klog.Info("Driver initialization complete, server running")

	// Block forever (shutdown handled by Stop method via signal handler)
	select {}
}

// Stop stops the driver and cleans up resources
func (d *Driver) Stop() {
	klog.Info("Stopping overlayfs CSI driver")

	if d.reaper != nil {
		d.reaper.Stop()
		klog.Info("Base reaper stopped")
	}

	if d.server != nil {
		d.server.Stop()
	}
}

// GetMetrics returns the Prometheus metrics instance (may be nil if disabled)
func (d *Driver) GetMetrics() *observability.Metrics {
	return d.metrics
}
