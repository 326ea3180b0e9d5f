package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/basepool"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/driver"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/mount"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/overlay"
	"git.srvlab.io/whiskey/overlayfs-csi-driver/pkg/paths"
)

var (
	// Driver configuration
	endpoint   = flag.String("endpoint", "unix:///var/lib/kubelet/plugins/overlayfs.csi.srvlab.io/csi.sock", "CSI endpoint")
	nodeID     = flag.String("node-id", "", "Node ID (required)")
	driverName = flag.String("driver-name", "overlayfs.csi.srvlab.io", "Name of the CSI driver")

	// Path configuration
	podsRoot  = flag.String("pods-root", paths.DefaultPodsRoot, "Host path of the kubelet pods directory")
	basesRoot = flag.String("bases-root", "", "Host path of the base pool root (defaults to the plugin pod's own emptyDir, resolved via the POD_UID environment variable)")
	sizeLimit = flag.String("size-limit", "", "Size limit of the pool's backing storage as a resource quantity, e.g. 10Gi (informational; enforced by the backing emptyDir quota)")

	// Stale base reaper configuration
	enableReaper = flag.Bool("enable-reaper", true, "Periodically evict stale bases from the pool")
	reapInterval = flag.Duration("reap-interval", basepool.DefaultReapInterval, "How often the reaper scans the pool")
	maxAge       = flag.Duration("max-age", basepool.DefaultMaxAge, "Age past which an unreferenced base is evicted")
	reaperDryRun = flag.Bool("reaper-dry-run", false, "Log base evictions without performing them")

	// Observability
	metricsAddress = flag.String("metrics-address", "", "Address to serve Prometheus metrics on (empty to disable)")

	// Kubernetes events
	enableEvents = flag.Bool("enable-events", true, "Post Kubernetes events for mount and promotion failures")

	// Version flag
	version = flag.Bool("version", false, "Print version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *version {
		fmt.Println(driver.DriverName)
		os.Exit(0)
	}

	if *nodeID == "" {
		klog.Fatal("--node-id is required")
	}

	resolver := paths.NewResolver(*podsRoot)

	// The pool lives on the plugin pod's own emptyDir unless overridden;
	// the downward API provides our pod UID
	poolRoot := *basesRoot
	if poolRoot == "" {
		podUID := os.Getenv("POD_UID")
		if podUID == "" {
			klog.Fatal("Either --bases-root or the POD_UID environment variable is required")
		}
		poolRoot = resolver.BasesHostRoot(podUID)
	}

	pool, err := basepool.New(poolRoot)
	if err != nil {
		klog.Fatalf("Failed to initialize base pool at %s: %v", poolRoot, err)
	}
	klog.Infof("Base pool initialized at %s with %d recovered base(s)", poolRoot, pool.Len())

	metrics := observability.NewMetrics()
	metrics.SetPoolSize(pool.Len())

	if *sizeLimit != "" {
		quantity, err := resource.ParseQuantity(*sizeLimit)
		if err != nil {
			klog.Fatalf("Invalid --size-limit %q: %v", *sizeLimit, err)
		}
		metrics.SetPoolSizeLimit(quantity.Value())
		klog.Infof("Pool backing storage size limit: %s", quantity.String())
	}

	manager, err := overlay.NewManager(overlay.Config{
		Pool:     pool,
		Mounter:  mount.NewMounter(),
		Resolver: resolver,
		Metrics:  metrics,
	})
	if err != nil {
		klog.Fatalf("Failed to create volume manager: %v", err)
	}

	// Build the Kubernetes client for event posting; the driver works
	// without one
	var k8sClient kubernetes.Interface
	if *enableEvents {
		k8sClient = newK8sClient()
	}

	config := driver.Config{
		DriverName:   *driverName,
		NodeID:       *nodeID,
		Manager:      manager,
		Pool:         pool,
		K8sClient:    k8sClient,
		Metrics:      metrics,
		EnableReaper: *enableReaper,
		ReapInterval: *reapInterval,
		ReaperMaxAge: *maxAge,
		ReaperDryRun: *reaperDryRun,
	}

	klog.Info("Creating overlayfs CSI driver")
	drv, err := driver.NewDriver(config)
	if err != nil {
		klog.Fatalf("Failed to create driver: %v", err)
	}

	if *metricsAddress != "" {
		go serveMetrics(*metricsAddress, metrics)
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.Infof("Received signal %s, shutting down", sig)
		drv.Stop()
		os.Exit(0)
	}()

	klog.Infof("Starting driver on node %s", *nodeID)
	if err := drv.Run(*endpoint); err != nil {
		klog.Fatalf("Failed to run driver: %v", err)
	}
}

// newK8sClient builds an in-cluster client, or nil when not running in a
// cluster
func newK8sClient() kubernetes.Interface {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		klog.Warningf("No in-cluster config, events disabled: %v", err)
		return nil
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		klog.Warningf("Failed to create Kubernetes client, events disabled: %v", err)
		return nil
	}
	return client
}

// serveMetrics exposes the Prometheus registry over HTTP
func serveMetrics(address string, metrics *observability.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	klog.Infof("Serving metrics on %s/metrics", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		klog.Errorf("Metrics server failed: %v", err)
	}
}
