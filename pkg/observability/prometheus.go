// Package observability provides Prometheus metrics for the overlayfs CSI driver.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all metrics.
	namespace = "overlayfs_csi"
)

// Metrics holds all Prometheus metrics for the overlayfs CSI driver.
type Metrics struct {
	registry *prometheus.Registry

	// Volume operation metrics
	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	// Base pool metrics
	poolSize                prometheus.Gauge
	poolSizeLimitBytes      prometheus.Gauge
	promotionsTotal         prometheus.Counter
	promotionFallbacksTotal *prometheus.CounterVec
	basesReapedTotal        prometheus.Counter
	overlayRefsActive       prometheus.Gauge

	// Mount operation metrics
	mountOpsTotal *prometheus.CounterVec

	// Kubernetes events metrics
	eventsPostedTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on driver restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of volume operations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "base_pool_size",
			Help:      "Number of bases currently registered in the pool",
		}),

		poolSizeLimitBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "base_pool_size_limit_bytes",
			Help:      "Configured size limit of the pool's backing storage (0 when unset); enforcement is external",
		}),

		promotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Total number of candidate volumes promoted into bases",
		}),

		promotionFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotion_fallbacks_total",
				Help:      "Total number of promotion fallbacks to deletion by reason",
			},
			[]string{"reason"},
		),

		basesReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bases_reaped_total",
			Help:      "Total number of stale bases evicted by the reaper",
		}),

		overlayRefsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlay_references_active",
			Help:      "Number of live overlay mounts referencing a base",
		}),

		mountOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_operations_total",
				Help:      "Total number of mount/unmount operations by type and status",
			},
			[]string{"operation", "status"},
		),

		eventsPostedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_posted_total",
				Help:      "Total number of Kubernetes events posted by reason",
			},
			[]string{"reason"},
		),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.poolSize,
		m.poolSizeLimitBytes,
		m.promotionsTotal,
		m.promotionFallbacksTotal,
		m.basesReapedTotal,
		m.overlayRefsActive,
		m.mountOpsTotal,
		m.eventsPostedTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
// Use promhttp.HandlerFor with the custom registry for proper isolation.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordVolumeOp records a volume operation with timing.
// operation should be one of: publish, unpublish.
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.volumeOpsTotal.WithLabelValues(operation, status).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMountOp records a mount or unmount operation.
// operation should be one of: bind, overlay, unmount.
func (m *Metrics) RecordMountOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.mountOpsTotal.WithLabelValues(operation, status).Inc()
}

// SetPoolSize records the current number of bases in the pool.
func (m *Metrics) SetPoolSize(n int) {
	m.poolSize.Set(float64(n))
}

// SetPoolSizeLimit publishes the configured pool backing size limit.
func (m *Metrics) SetPoolSizeLimit(bytes int64) {
	m.poolSizeLimitBytes.Set(float64(bytes))
}

// RecordPromotion records a successful candidate promotion.
func (m *Metrics) RecordPromotion() {
	m.promotionsTotal.Inc()
}

// RecordPromotionFallback records a promotion that fell back to deletion.
// reason should be one of: pool_not_empty, rename_failed.
func (m *Metrics) RecordPromotionFallback(reason string) {
	m.promotionFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordBaseReaped records a stale base eviction.
func (m *Metrics) RecordBaseReaped() {
	m.basesReapedTotal.Inc()
}

// RecordOverlayRef adjusts the live overlay reference gauge.
// Pass +1 on publish of an overlay-backed volume, -1 on its unpublish.
func (m *Metrics) RecordOverlayRef(delta int) {
	m.overlayRefsActive.Add(float64(delta))
}

// RecordEventPosted records a Kubernetes event by reason.
func (m *Metrics) RecordEventPosted(reason string) {
	m.eventsPostedTotal.WithLabelValues(reason).Inc()
}
