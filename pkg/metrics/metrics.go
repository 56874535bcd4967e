package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects real-time performance metrics for a tree instance
type MetricsCollector struct {
	// Get metrics
	getsExecuted uint64
	getsFailed   uint64
	totalGetTime uint64 // in nanoseconds

	// Insert metrics
	insertsExecuted uint64
	insertsFailed   uint64
	totalInsertTime uint64 // in nanoseconds

	// Remove metrics
	removesExecuted uint64
	removesFailed   uint64
	totalRemoveTime uint64 // in nanoseconds

	// Scan metrics (range iteration via Begin/BeginAt)
	scansOpened   uint64
	totalScanTime uint64 // in nanoseconds

	// Buffer pool metrics
	pageHits    uint64
	pageMisses  uint64
	pageEvicted uint64

	// Structural events, mirrored from an OpLog's counts
	splitsLeaf      uint64
	splitsInternal  uint64
	redistributions uint64
	coalesces       uint64
	rootDemotions   uint64

	// Connection metrics (for the admin HTTP server)
	activeConnections uint64
	totalConnections  uint64

	// Operation timing buckets (histogram)
	mu            sync.RWMutex
	getTimings    *TimingHistogram
	insertTimings *TimingHistogram
	removeTimings *TimingHistogram
	scanTimings   *TimingHistogram

	// Start time for uptime calculation
	startTime time.Time
}

// TimingHistogram stores timing data in buckets for histogram generation
type TimingHistogram struct {
	// Buckets: <1ms, 1-10ms, 10-100ms, 100ms-1s, >1s
	bucket0_1ms      uint64 // 0-1ms
	bucket1_10ms     uint64 // 1-10ms
	bucket10_100ms   uint64 // 10-100ms
	bucket100_1000ms uint64 // 100-1000ms
	bucket1000ms     uint64 // >1s

	// P50, P95, P99 tracking
	mu               sync.Mutex
	recentTimings    []time.Duration // Keep last 1000 timings
	maxRecentTimings int
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		getTimings:    NewTimingHistogram(1000),
		insertTimings: NewTimingHistogram(1000),
		removeTimings: NewTimingHistogram(1000),
		scanTimings:   NewTimingHistogram(1000),
		startTime:     time.Now(),
	}
}

// NewTimingHistogram creates a new timing histogram
func NewTimingHistogram(maxRecent int) *TimingHistogram {
	return &TimingHistogram{
		recentTimings:    make([]time.Duration, 0, maxRecent),
		maxRecentTimings: maxRecent,
	}
}

// RecordGet records a GetValue lookup
func (mc *MetricsCollector) RecordGet(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.getsExecuted, 1)
	if !success {
		atomic.AddUint64(&mc.getsFailed, 1)
	}
	atomic.AddUint64(&mc.totalGetTime, uint64(duration.Nanoseconds()))
	mc.getTimings.Record(duration)
}

// RecordInsert records an Insert call
func (mc *MetricsCollector) RecordInsert(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.insertsExecuted, 1)
	if !success {
		atomic.AddUint64(&mc.insertsFailed, 1)
	}
	atomic.AddUint64(&mc.totalInsertTime, uint64(duration.Nanoseconds()))
	mc.insertTimings.Record(duration)
}

// RecordRemove records a Remove call
func (mc *MetricsCollector) RecordRemove(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.removesExecuted, 1)
	if !success {
		atomic.AddUint64(&mc.removesFailed, 1)
	}
	atomic.AddUint64(&mc.totalRemoveTime, uint64(duration.Nanoseconds()))
	mc.removeTimings.Record(duration)
}

// RecordScan records a Begin/BeginAt call opening a range iterator
func (mc *MetricsCollector) RecordScan(duration time.Duration) {
	atomic.AddUint64(&mc.scansOpened, 1)
	atomic.AddUint64(&mc.totalScanTime, uint64(duration.Nanoseconds()))
	mc.scanTimings.Record(duration)
}

// RecordPageHit records a buffer pool hit (page was already resident)
func (mc *MetricsCollector) RecordPageHit() {
	atomic.AddUint64(&mc.pageHits, 1)
}

// RecordPageMiss records a buffer pool miss (page had to be read from disk)
func (mc *MetricsCollector) RecordPageMiss() {
	atomic.AddUint64(&mc.pageMisses, 1)
}

// RecordPageEviction records a frame being reclaimed for a new page
func (mc *MetricsCollector) RecordPageEviction() {
	atomic.AddUint64(&mc.pageEvicted, 1)
}

// RecordStructuralEvents folds an OpLog's lifetime counts into the collector.
// Counts is cumulative, so call this with deltas, not running totals.
func (mc *MetricsCollector) RecordStructuralEvents(splitLeaf, splitInternal, redistribute, coalesce, rootDemote uint64) {
	atomic.AddUint64(&mc.splitsLeaf, splitLeaf)
	atomic.AddUint64(&mc.splitsInternal, splitInternal)
	atomic.AddUint64(&mc.redistributions, redistribute)
	atomic.AddUint64(&mc.coalesces, coalesce)
	atomic.AddUint64(&mc.rootDemotions, rootDemote)
}

// RecordConnectionStart records a new admin server connection
func (mc *MetricsCollector) RecordConnectionStart() {
	atomic.AddUint64(&mc.totalConnections, 1)
	atomic.AddUint64(&mc.activeConnections, 1)
}

// RecordConnectionEnd records an admin server connection closing
func (mc *MetricsCollector) RecordConnectionEnd() {
	atomic.AddUint64(&mc.activeConnections, ^uint64(0)) // Decrement using two's complement
}

// Record adds a timing to the histogram
func (th *TimingHistogram) Record(duration time.Duration) {
	// Update buckets atomically
	ms := duration.Milliseconds()
	if ms < 1 {
		atomic.AddUint64(&th.bucket0_1ms, 1)
	} else if ms < 10 {
		atomic.AddUint64(&th.bucket1_10ms, 1)
	} else if ms < 100 {
		atomic.AddUint64(&th.bucket10_100ms, 1)
	} else if ms < 1000 {
		atomic.AddUint64(&th.bucket100_1000ms, 1)
	} else {
		atomic.AddUint64(&th.bucket1000ms, 1)
	}

	// Add to recent timings for percentile calculation
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) >= th.maxRecentTimings {
		// Shift array to remove oldest
		th.recentTimings = th.recentTimings[1:]
	}
	th.recentTimings = append(th.recentTimings, duration)
}

// GetBuckets returns the histogram bucket counts
func (th *TimingHistogram) GetBuckets() map[string]uint64 {
	return map[string]uint64{
		"0-1ms":      atomic.LoadUint64(&th.bucket0_1ms),
		"1-10ms":     atomic.LoadUint64(&th.bucket1_10ms),
		"10-100ms":   atomic.LoadUint64(&th.bucket10_100ms),
		"100-1000ms": atomic.LoadUint64(&th.bucket100_1000ms),
		">1000ms":    atomic.LoadUint64(&th.bucket1000ms),
	}
}

// GetPercentiles calculates P50, P95, P99 from recent timings
func (th *TimingHistogram) GetPercentiles() map[string]time.Duration {
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) == 0 {
		return map[string]time.Duration{
			"p50": 0,
			"p95": 0,
			"p99": 0,
		}
	}

	// Create sorted copy
	sorted := make([]time.Duration, len(th.recentTimings))
	copy(sorted, th.recentTimings)

	// Simple insertion sort (fine for 1000 elements)
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	// Calculate percentiles
	p50idx := len(sorted) * 50 / 100
	p95idx := len(sorted) * 95 / 100
	p99idx := len(sorted) * 99 / 100

	return map[string]time.Duration{
		"p50": sorted[p50idx],
		"p95": sorted[p95idx],
		"p99": sorted[p99idx],
	}
}

// GetMetrics returns a snapshot of all metrics
func (mc *MetricsCollector) GetMetrics() map[string]interface{} {
	getsExecuted := atomic.LoadUint64(&mc.getsExecuted)
	getsFailed := atomic.LoadUint64(&mc.getsFailed)
	totalGetTime := atomic.LoadUint64(&mc.totalGetTime)

	insertsExecuted := atomic.LoadUint64(&mc.insertsExecuted)
	insertsFailed := atomic.LoadUint64(&mc.insertsFailed)
	totalInsertTime := atomic.LoadUint64(&mc.totalInsertTime)

	removesExecuted := atomic.LoadUint64(&mc.removesExecuted)
	removesFailed := atomic.LoadUint64(&mc.removesFailed)
	totalRemoveTime := atomic.LoadUint64(&mc.totalRemoveTime)

	scansOpened := atomic.LoadUint64(&mc.scansOpened)
	totalScanTime := atomic.LoadUint64(&mc.totalScanTime)

	pageHits := atomic.LoadUint64(&mc.pageHits)
	pageMisses := atomic.LoadUint64(&mc.pageMisses)
	pageEvicted := atomic.LoadUint64(&mc.pageEvicted)

	activeConnections := atomic.LoadUint64(&mc.activeConnections)
	totalConnections := atomic.LoadUint64(&mc.totalConnections)

	var avgGetTime, avgInsertTime, avgRemoveTime, avgScanTime float64
	if getsExecuted > 0 {
		avgGetTime = float64(totalGetTime) / float64(getsExecuted) / 1e6 // ms
	}
	if insertsExecuted > 0 {
		avgInsertTime = float64(totalInsertTime) / float64(insertsExecuted) / 1e6
	}
	if removesExecuted > 0 {
		avgRemoveTime = float64(totalRemoveTime) / float64(removesExecuted) / 1e6
	}
	if scansOpened > 0 {
		avgScanTime = float64(totalScanTime) / float64(scansOpened) / 1e6
	}

	var pageHitRate float64
	totalPageOps := pageHits + pageMisses
	if totalPageOps > 0 {
		pageHitRate = float64(pageHits) / float64(totalPageOps) * 100
	}

	uptime := time.Since(mc.startTime)

	return map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),

		"gets": map[string]interface{}{
			"total":              getsExecuted,
			"failed":             getsFailed,
			"success_rate":       calculateSuccessRate(getsExecuted, getsFailed),
			"avg_duration_ms":    avgGetTime,
			"timing_histogram":   mc.getTimings.GetBuckets(),
			"timing_percentiles": mc.getTimings.GetPercentiles(),
		},

		"inserts": map[string]interface{}{
			"total":              insertsExecuted,
			"failed":             insertsFailed,
			"success_rate":       calculateSuccessRate(insertsExecuted, insertsFailed),
			"avg_duration_ms":    avgInsertTime,
			"timing_histogram":   mc.insertTimings.GetBuckets(),
			"timing_percentiles": mc.insertTimings.GetPercentiles(),
		},

		"removes": map[string]interface{}{
			"total":              removesExecuted,
			"failed":             removesFailed,
			"success_rate":       calculateSuccessRate(removesExecuted, removesFailed),
			"avg_duration_ms":    avgRemoveTime,
			"timing_histogram":   mc.removeTimings.GetBuckets(),
			"timing_percentiles": mc.removeTimings.GetPercentiles(),
		},

		"scans": map[string]interface{}{
			"opened":             scansOpened,
			"avg_duration_ms":    avgScanTime,
			"timing_histogram":   mc.scanTimings.GetBuckets(),
			"timing_percentiles": mc.scanTimings.GetPercentiles(),
		},

		"buffer_pool": map[string]interface{}{
			"hits":     pageHits,
			"misses":   pageMisses,
			"evicted":  pageEvicted,
			"hit_rate": pageHitRate,
		},

		"structural_events": map[string]interface{}{
			"split_leaf":     atomic.LoadUint64(&mc.splitsLeaf),
			"split_internal": atomic.LoadUint64(&mc.splitsInternal),
			"redistribute":   atomic.LoadUint64(&mc.redistributions),
			"coalesce":       atomic.LoadUint64(&mc.coalesces),
			"root_demote":    atomic.LoadUint64(&mc.rootDemotions),
		},

		"connections": map[string]interface{}{
			"active": activeConnections,
			"total":  totalConnections,
		},
	}
}

// Reset resets all metrics to zero
func (mc *MetricsCollector) Reset() {
	atomic.StoreUint64(&mc.getsExecuted, 0)
	atomic.StoreUint64(&mc.getsFailed, 0)
	atomic.StoreUint64(&mc.totalGetTime, 0)

	atomic.StoreUint64(&mc.insertsExecuted, 0)
	atomic.StoreUint64(&mc.insertsFailed, 0)
	atomic.StoreUint64(&mc.totalInsertTime, 0)

	atomic.StoreUint64(&mc.removesExecuted, 0)
	atomic.StoreUint64(&mc.removesFailed, 0)
	atomic.StoreUint64(&mc.totalRemoveTime, 0)

	atomic.StoreUint64(&mc.scansOpened, 0)
	atomic.StoreUint64(&mc.totalScanTime, 0)

	atomic.StoreUint64(&mc.pageHits, 0)
	atomic.StoreUint64(&mc.pageMisses, 0)
	atomic.StoreUint64(&mc.pageEvicted, 0)

	atomic.StoreUint64(&mc.splitsLeaf, 0)
	atomic.StoreUint64(&mc.splitsInternal, 0)
	atomic.StoreUint64(&mc.redistributions, 0)
	atomic.StoreUint64(&mc.coalesces, 0)
	atomic.StoreUint64(&mc.rootDemotions, 0)

	atomic.StoreUint64(&mc.totalConnections, 0)
	// Don't reset activeConnections as it represents current state

	// Reset histograms
	mc.mu.Lock()
	mc.getTimings = NewTimingHistogram(1000)
	mc.insertTimings = NewTimingHistogram(1000)
	mc.removeTimings = NewTimingHistogram(1000)
	mc.scanTimings = NewTimingHistogram(1000)
	mc.mu.Unlock()

	// Reset start time
	mc.startTime = time.Now()
}

// Helper functions

func calculateSuccessRate(total, failed uint64) float64 {
	if total == 0 {
		return 0
	}
	succeeded := total - failed
	return float64(succeeded) / float64(total) * 100
}
