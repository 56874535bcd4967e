package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrometheusExporter_BasicMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	tracker := NewResourceTracker(nil)
	exporter := NewPrometheusExporter(collector, tracker)

	collector.RecordGet(1*time.Millisecond, true)
	collector.RecordInsert(2*time.Millisecond, true)
	collector.RecordRemove(3*time.Millisecond, true)
	collector.RecordScan(1 * time.Millisecond)

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"# TYPE bptreedb_gets_total counter",
		"# TYPE bptreedb_inserts_total counter",
		"# TYPE bptreedb_removes_total counter",
		"# TYPE bptreedb_scans_opened_total counter",
		"bptreedb_gets_total 1",
		"bptreedb_inserts_total 1",
		"bptreedb_removes_total 1",
		"bptreedb_scans_opened_total 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestPrometheusExporter_BufferPoolMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	collector.RecordPageHit()
	collector.RecordPageHit()
	collector.RecordPageHit()
	collector.RecordPageMiss()

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "bptreedb_buffer_pool_hits_total 3") {
		t.Errorf("expected 3 buffer pool hits in output, got:\n%s", output)
	}
	if !strings.Contains(output, "bptreedb_buffer_pool_misses_total 1") {
		t.Errorf("expected 1 buffer pool miss in output, got:\n%s", output)
	}
	if !strings.Contains(output, "bptreedb_buffer_pool_hit_rate 0.75") {
		t.Errorf("expected hit rate 0.75 in output, got:\n%s", output)
	}
}

func TestPrometheusExporter_StructuralEventMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	collector.RecordStructuralEvents(2, 1, 0, 1, 0)

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"# TYPE bptreedb_splits_leaf_total counter",
		"bptreedb_splits_leaf_total 2",
		"bptreedb_splits_internal_total 1",
		"bptreedb_coalesces_total 1",
		"bptreedb_root_demotions_total 0",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
}

func TestPrometheusExporter_ConnectionMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	collector.RecordConnectionStart()
	collector.RecordConnectionStart()
	collector.RecordConnectionEnd()

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "bptreedb_active_connections 1") {
		t.Errorf("expected 1 active connection in output, got:\n%s", output)
	}
	if !strings.Contains(output, "bptreedb_connections_total 2") {
		t.Errorf("expected 2 total connections in output, got:\n%s", output)
	}
}

func TestPrometheusExporter_ResourceTrackerMetrics(t *testing.T) {
	collector := NewMetricsCollector()
	tracker := NewResourceTracker(nil)
	exporter := NewPrometheusExporter(collector, tracker)

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"bptreedb_memory_heap_bytes",
		"bptreedb_goroutines",
		"bptreedb_io_bytes_read_total",
		"bptreedb_io_bytes_written_total",
		"bptreedb_gc_runs_total",
		"bptreedb_cpu_count",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestPrometheusExporter_NoResourceTracker(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed with nil tracker: %v", err)
	}
	if strings.Contains(buf.String(), "bptreedb_memory_heap_bytes") {
		t.Error("expected no memory metrics when resource tracker is nil")
	}
}

func TestPrometheusExporter_CustomNamespace(t *testing.T) {
	collector := NewMetricsCollector()
	exporter := NewPrometheusExporter(collector, nil)
	exporter.SetNamespace("myindex")

	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	if !strings.Contains(buf.String(), "myindex_gets_total") {
		t.Error("expected custom namespace prefix in output")
	}
}
