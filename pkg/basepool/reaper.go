package basepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const (
	// DefaultReapInterval is the default interval between eviction cycles
	DefaultReapInterval = 30 * time.Second

	// DefaultMaxAge is the default age past which a base is evicted
	DefaultMaxAge = 1 * time.Hour
)

// ReaperConfig contains configuration for the stale base reaper
type ReaperConfig struct {
	// Pool is the base pool to reap from
	Pool *Pool

	// Interval is how often to scan for stale bases
	Interval time.Duration

	// MaxAge is the age past which an unreferenced base is evicted
	MaxAge time.Duration

	// DryRun if true, will only log stale bases without deleting them
	DryRun bool

	// Enabled enables/disables the reaper
	Enabled bool

	// Metrics records reaped bases and pool size (nil to disable)
	Metrics ReaperMetrics
}

// ReaperMetrics is the subset of metrics the reaper reports.
type ReaperMetrics interface {
	RecordBaseReaped()
	SetPoolSize(n int)
}

// Reaper periodically evicts bases older than the configured age. Bases
// still referenced by a live overlay mount are skipped and retried on the
// next cycle; eviction is deferred, never forced. An emptied pool is
// expected and simply reverts subsequent publishes to the bind-mount path
// until a new promotion occurs.
type Reaper struct {
	config ReaperConfig
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a new stale base reaper
func NewReaper(config ReaperConfig) (*Reaper, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("Pool is required")
	}

	if config.Interval == 0 {
		config.Interval = DefaultReapInterval
	}
	if config.MaxAge == 0 {
		config.MaxAge = DefaultMaxAge
	}

	return &Reaper{
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins the eviction loop
func (r *Reaper) Start(ctx context.Context) error {
	if !r.config.Enabled {
		klog.Info("Base reaper is disabled")
		return nil
	}

	klog.Infof("Starting base reaper (interval=%v, max_age=%v, dry_run=%v)",
		r.config.Interval, r.config.MaxAge, r.config.DryRun)

	r.wg.Add(1)
	go r.run(ctx)

	return nil
}

// Stop stops the eviction loop
func (r *Reaper) Stop() {
	if !r.config.Enabled {
		return
	}

	klog.Info("Stopping base reaper")
	close(r.stopCh)
	r.wg.Wait()
	klog.Info("Base reaper stopped")
}

// run is the main eviction loop
func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// Run once immediately on startup to clear bases that went stale while
	// the plugin was down
	r.reap()

	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reap performs one eviction cycle
func (r *Reaper) reap() {
	start := time.Now()
	bases := r.config.Pool.List()
	klog.V(2).Infof("Starting base eviction cycle (%d base(s) registered)", len(bases))

	evicted := 0
	deferred := 0
	for _, info := range bases {
		age := time.Since(info.CreatedAt)
		if age <= r.config.MaxAge {
			klog.V(4).Infof("Base %s is fresh (age=%v, max_age=%v)", info.ID, age, r.config.MaxAge)
			continue
		}

		if r.config.DryRun {
			klog.Infof("[DRY-RUN] Would evict stale base %s (age=%v, refs=%d)", info.ID, age, info.Refs)
			continue
		}

		// Remove re-checks the reference count under the pool lock; the
		// snapshot above may be stale by the time we get here
		if err := r.config.Pool.Remove(info.ID); err != nil {
			if errors.Is(err, ErrBaseInUse) {
				klog.V(2).Infof("Deferring eviction of base %s: %v", info.ID, err)
				deferred++
				continue
			}
			klog.Errorf("Failed to evict base %s: %v", info.ID, err)
			continue
		}

		klog.Infof("Evicted stale base %s (age=%v)", info.ID, age)
		evicted++
		if r.config.Metrics != nil {
			r.config.Metrics.RecordBaseReaped()
		}
	}

	if r.config.Metrics != nil {
		r.config.Metrics.SetPoolSize(r.config.Pool.Len())
	}

	klog.V(2).Infof("Base eviction cycle complete (duration=%v, evicted=%d, deferred=%d)",
		time.Since(start), evicted, deferred)
}

// TriggerReap runs an immediate eviction cycle (for testing/debugging)
func (r *Reaper) TriggerReap() {
	r.reap()
}
