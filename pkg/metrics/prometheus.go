package metrics

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusExporter exports metrics in Prometheus text format
type PrometheusExporter struct {
	collector       *MetricsCollector
	resourceTracker *ResourceTracker
	namespace       string // Metric namespace prefix (e.g., "bptreedb")
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(collector *MetricsCollector, resourceTracker *ResourceTracker) *PrometheusExporter {
	return &PrometheusExporter{
		collector:       collector,
		resourceTracker: resourceTracker,
		namespace:       "bptreedb",
	}
}

// SetNamespace sets the metric namespace prefix
func (pe *PrometheusExporter) SetNamespace(namespace string) {
	pe.namespace = namespace
}

// WriteMetrics writes all metrics in Prometheus text format to the writer
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (pe *PrometheusExporter) WriteMetrics(w io.Writer) error {
	uptime := time.Since(pe.collector.startTime).Seconds()
	if err := pe.writeGauge(w, "uptime_seconds", "Process uptime in seconds", uptime); err != nil {
		return err
	}

	// Get metrics
	getsExecuted := atomic.LoadUint64(&pe.collector.getsExecuted)
	getsFailed := atomic.LoadUint64(&pe.collector.getsFailed)
	totalGetTime := atomic.LoadUint64(&pe.collector.totalGetTime)

	if err := pe.writeCounter(w, "gets_total", "Total number of GetValue lookups", getsExecuted); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "gets_failed_total", "Total number of failed lookups", getsFailed); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "get_duration_nanoseconds_total", "Total lookup time in nanoseconds", totalGetTime); err != nil {
		return err
	}
	if err := pe.writeHistogram(w, "get_duration_seconds", "GetValue duration histogram", pe.collector.getTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "get_duration_seconds", pe.collector.getTimings); err != nil {
		return err
	}

	// Insert metrics
	insertsExecuted := atomic.LoadUint64(&pe.collector.insertsExecuted)
	insertsFailed := atomic.LoadUint64(&pe.collector.insertsFailed)
	totalInsertTime := atomic.LoadUint64(&pe.collector.totalInsertTime)

	if err := pe.writeCounter(w, "inserts_total", "Total number of Insert calls", insertsExecuted); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "inserts_failed_total", "Total number of rejected inserts (duplicate key)", insertsFailed); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "insert_duration_nanoseconds_total", "Total insert time in nanoseconds", totalInsertTime); err != nil {
		return err
	}
	if err := pe.writeHistogram(w, "insert_duration_seconds", "Insert duration histogram", pe.collector.insertTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "insert_duration_seconds", pe.collector.insertTimings); err != nil {
		return err
	}

	// Remove metrics
	removesExecuted := atomic.LoadUint64(&pe.collector.removesExecuted)
	removesFailed := atomic.LoadUint64(&pe.collector.removesFailed)
	totalRemoveTime := atomic.LoadUint64(&pe.collector.totalRemoveTime)

	if err := pe.writeCounter(w, "removes_total", "Total number of Remove calls", removesExecuted); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "removes_failed_total", "Total number of failed removes", removesFailed); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "remove_duration_nanoseconds_total", "Total remove time in nanoseconds", totalRemoveTime); err != nil {
		return err
	}
	if err := pe.writeHistogram(w, "remove_duration_seconds", "Remove duration histogram", pe.collector.removeTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "remove_duration_seconds", pe.collector.removeTimings); err != nil {
		return err
	}

	// Scan metrics
	scansOpened := atomic.LoadUint64(&pe.collector.scansOpened)
	totalScanTime := atomic.LoadUint64(&pe.collector.totalScanTime)

	if err := pe.writeCounter(w, "scans_opened_total", "Total number of range iterators opened", scansOpened); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "scan_open_duration_nanoseconds_total", "Total time spent positioning iterators", totalScanTime); err != nil {
		return err
	}
	if err := pe.writeHistogram(w, "scan_open_duration_seconds", "Iterator positioning duration histogram", pe.collector.scanTimings); err != nil {
		return err
	}

	// Buffer pool metrics
	pageHits := atomic.LoadUint64(&pe.collector.pageHits)
	pageMisses := atomic.LoadUint64(&pe.collector.pageMisses)
	pageEvicted := atomic.LoadUint64(&pe.collector.pageEvicted)
	totalPageOps := pageHits + pageMisses
	var pageHitRate float64
	if totalPageOps > 0 {
		pageHitRate = float64(pageHits) / float64(totalPageOps)
	}

	if err := pe.writeCounter(w, "buffer_pool_hits_total", "Total buffer pool frame hits", pageHits); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "buffer_pool_misses_total", "Total buffer pool frame misses", pageMisses); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "buffer_pool_evictions_total", "Total frames reclaimed for new pages", pageEvicted); err != nil {
		return err
	}
	if err := pe.writeGauge(w, "buffer_pool_hit_rate", "Buffer pool hit rate (0-1)", pageHitRate); err != nil {
		return err
	}

	// Structural event metrics, mirrored from an OpLog's lifetime counts
	if err := pe.writeCounter(w, "splits_leaf_total", "Total leaf page splits", atomic.LoadUint64(&pe.collector.splitsLeaf)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "splits_internal_total", "Total internal page splits", atomic.LoadUint64(&pe.collector.splitsInternal)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "redistributions_total", "Total sibling redistributions", atomic.LoadUint64(&pe.collector.redistributions)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "coalesces_total", "Total sibling coalesces", atomic.LoadUint64(&pe.collector.coalesces)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "root_demotions_total", "Total root demotions", atomic.LoadUint64(&pe.collector.rootDemotions)); err != nil {
		return err
	}

	// Connection metrics (admin HTTP server)
	activeConnections := atomic.LoadUint64(&pe.collector.activeConnections)
	totalConnections := atomic.LoadUint64(&pe.collector.totalConnections)

	if err := pe.writeGauge(w, "active_connections", "Current number of active admin connections", float64(activeConnections)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "connections_total", "Total number of admin connections", totalConnections); err != nil {
		return err
	}

	// Resource tracker metrics (if available)
	if pe.resourceTracker != nil {
		stats := pe.resourceTracker.GetStats()

		if err := pe.writeGauge(w, "memory_heap_bytes", "Heap memory in bytes", float64(stats.HeapInUse)); err != nil {
			return err
		}
		if err := pe.writeGauge(w, "memory_stack_bytes", "Stack memory in bytes", float64(stats.StackInUse)); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "memory_allocations_total", "Total memory allocations", stats.AllocBytes); err != nil {
			return err
		}
		if err := pe.writeGauge(w, "memory_objects", "Number of allocated objects", float64(stats.AllocObjects)); err != nil {
			return err
		}

		if err := pe.writeGauge(w, "goroutines", "Number of goroutines", float64(stats.NumGoroutines)); err != nil {
			return err
		}

		if err := pe.writeCounter(w, "io_bytes_read_total", "Total bytes read", stats.BytesRead); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "io_bytes_written_total", "Total bytes written", stats.BytesWritten); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "io_read_operations_total", "Total read operations", stats.ReadsCompleted); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "io_write_operations_total", "Total write operations", stats.WritesCompleted); err != nil {
			return err
		}

		if err := pe.writeCounter(w, "gc_runs_total", "Total garbage collection runs", uint64(stats.GCRuns)); err != nil {
			return err
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		lastPause := mem.PauseNs[(mem.NumGC+255)%256]
		if err := pe.writeGauge(w, "gc_pause_nanoseconds", "Last GC pause time in nanoseconds", float64(lastPause)); err != nil {
			return err
		}

		if err := pe.writeGauge(w, "cpu_count", "Number of CPUs", float64(stats.NumCPU)); err != nil {
			return err
		}
	}

	return nil
}

// writeCounter writes a counter metric
func (pe *PrometheusExporter) writeCounter(w io.Writer, name, help string, value uint64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		metricName, help, metricName, metricName, value)
	return err
}

// writeGauge writes a gauge metric
func (pe *PrometheusExporter) writeGauge(w io.Writer, name, help string, value float64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n",
		metricName, help, metricName, metricName, value)
	return err
}

// writeHistogram writes histogram metrics from timing data
func (pe *PrometheusExporter) writeHistogram(w io.Writer, name, help string, th *TimingHistogram) error {
	metricName := pe.namespace + "_" + name

	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", metricName, help, metricName); err != nil {
		return err
	}

	buckets := th.GetBuckets()

	// Prometheus histogram buckets are cumulative
	var cumulative uint64

	cumulative += buckets["0-1ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.001\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets["1-10ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.01\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets["10-100ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.1\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets["100-1000ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"1.0\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets[">1000ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "%s_count %d\n", metricName, cumulative); err != nil {
		return err
	}

	return nil
}

// writePercentiles writes percentile metrics as gauges
func (pe *PrometheusExporter) writePercentiles(w io.Writer, baseName string, th *TimingHistogram) error {
	percentiles := th.GetPercentiles()

	if err := pe.writeGauge(w, baseName+"_p50",
		fmt.Sprintf("50th percentile of %s", baseName),
		percentiles["p50"].Seconds()); err != nil {
		return err
	}

	if err := pe.writeGauge(w, baseName+"_p95",
		fmt.Sprintf("95th percentile of %s", baseName),
		percentiles["p95"].Seconds()); err != nil {
		return err
	}

	if err := pe.writeGauge(w, baseName+"_p99",
		fmt.Sprintf("99th percentile of %s", baseName),
		percentiles["p99"].Seconds()); err != nil {
		return err
	}

	return nil
}
