package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SlowOperationLog tracks and optionally persists tree operations that
// exceed a threshold duration: a rolling window an operator can inspect
// without trawling the full OpLog for outliers.
type SlowOperationLog struct {
	threshold  time.Duration
	maxEntries int
	logFile    *os.File
	entries    []SlowOperationEntry
	mu         sync.RWMutex
	enabled    bool
	logToFile  bool
}

// SlowOperationEntry is a single slow-operation record.
type SlowOperationEntry struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration_ns"`
	DurationMS float64       `json:"duration_ms"`
	Operation  string        `json:"operation"` // "get", "insert", "remove"
	Key        int64         `json:"key,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// SlowOperationLogConfig configures a SlowOperationLog.
type SlowOperationLogConfig struct {
	Threshold   time.Duration // minimum duration to log (default 10ms)
	MaxEntries  int           // maximum in-memory entries (default 1000)
	LogFilePath string        // optional file path for persistent logging
	Enabled     bool          // enable/disable logging (default true)
}

// DefaultSlowOperationLogConfig returns default configuration.
func DefaultSlowOperationLogConfig() *SlowOperationLogConfig {
	return &SlowOperationLogConfig{
		Threshold:  10 * time.Millisecond,
		MaxEntries: 1000,
		Enabled:    true,
	}
}

// NewSlowOperationLog creates a new slow operation log. A nil config uses
// DefaultSlowOperationLogConfig.
func NewSlowOperationLog(config *SlowOperationLogConfig) (*SlowOperationLog, error) {
	if config == nil {
		config = DefaultSlowOperationLogConfig()
	}

	sl := &SlowOperationLog{
		threshold:  config.Threshold,
		maxEntries: config.MaxEntries,
		entries:    make([]SlowOperationEntry, 0, config.MaxEntries),
		enabled:    config.Enabled,
	}

	if config.LogFilePath != "" {
		f, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open slow operation log file: %w", err)
		}
		sl.logFile = f
		sl.logToFile = true
	}

	return sl, nil
}

// LogOperation records entry if it meets the configured threshold. Callers
// pass the full entry; filtering against the threshold happens here so
// instrumentation sites don't need to know it.
func (sl *SlowOperationLog) LogOperation(entry SlowOperationEntry) {
	if !sl.enabled || entry.Duration < sl.threshold {
		return
	}

	entry.Timestamp = time.Now()
	entry.DurationMS = float64(entry.Duration.Nanoseconds()) / 1e6

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if len(sl.entries) >= sl.maxEntries {
		sl.entries = sl.entries[1:]
	}
	sl.entries = append(sl.entries, entry)

	if sl.logToFile && sl.logFile != nil {
		sl.writeToFile(entry)
	}
}

func (sl *SlowOperationLog) writeToFile(entry SlowOperationEntry) {
	blob, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = sl.logFile.Write(blob)
	_, _ = sl.logFile.Write([]byte("\n"))
}

// GetEntries returns a copy of all retained entries, oldest first.
func (sl *SlowOperationLog) GetEntries() []SlowOperationEntry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	out := make([]SlowOperationEntry, len(sl.entries))
	copy(out, sl.entries)
	return out
}

// GetRecentEntries returns the n most recently recorded entries.
func (sl *SlowOperationLog) GetRecentEntries(n int) []SlowOperationEntry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if n > len(sl.entries) {
		n = len(sl.entries)
	}
	start := len(sl.entries) - n
	out := make([]SlowOperationEntry, n)
	copy(out, sl.entries[start:])
	return out
}

// GetEntriesByOperation returns entries matching a specific operation name.
func (sl *SlowOperationLog) GetEntriesByOperation(operation string) []SlowOperationEntry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	var out []SlowOperationEntry
	for _, e := range sl.entries {
		if e.Operation == operation {
			out = append(out, e)
		}
	}
	return out
}

// GetEntriesSince returns entries recorded after since.
func (sl *SlowOperationLog) GetEntriesSince(since time.Time) []SlowOperationEntry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	var out []SlowOperationEntry
	for _, e := range sl.entries {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out
}

// GetStatistics summarizes the retained entries.
func (sl *SlowOperationLog) GetStatistics() map[string]any {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	if len(sl.entries) == 0 {
		return map[string]any{
			"total_entries": 0,
			"threshold_ms":  sl.threshold.Milliseconds(),
		}
	}

	var total, max time.Duration
	min := time.Duration(1<<63 - 1)
	byOperation := make(map[string]int)

	for _, e := range sl.entries {
		total += e.Duration
		if e.Duration > max {
			max = e.Duration
		}
		if e.Duration < min {
			min = e.Duration
		}
		byOperation[e.Operation]++
	}
	avg := total / time.Duration(len(sl.entries))

	return map[string]any{
		"total_entries":   len(sl.entries),
		"threshold_ms":    sl.threshold.Milliseconds(),
		"avg_duration_ms": float64(avg.Nanoseconds()) / 1e6,
		"min_duration_ms": float64(min.Nanoseconds()) / 1e6,
		"max_duration_ms": float64(max.Nanoseconds()) / 1e6,
		"by_operation":    byOperation,
	}
}

// GetTopSlowest returns the n slowest retained entries, descending by
// duration.
func (sl *SlowOperationLog) GetTopSlowest(n int) []SlowOperationEntry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if len(sl.entries) == 0 {
		return nil
	}

	entries := make([]SlowOperationEntry, len(sl.entries))
	copy(entries, sl.entries)

	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && entries[j].Duration < key.Duration {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}

	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// Clear removes all retained entries.
func (sl *SlowOperationLog) Clear() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.entries = make([]SlowOperationEntry, 0, sl.maxEntries)
}

// SetThreshold updates the minimum duration required to log an entry.
func (sl *SlowOperationLog) SetThreshold(threshold time.Duration) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.threshold = threshold
}

// GetThreshold returns the current threshold.
func (sl *SlowOperationLog) GetThreshold() time.Duration {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.threshold
}

// Enable turns logging on.
func (sl *SlowOperationLog) Enable() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.enabled = true
}

// Disable turns logging off; LogOperation becomes a no-op.
func (sl *SlowOperationLog) Disable() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.enabled = false
}

// IsEnabled reports whether logging is currently on.
func (sl *SlowOperationLog) IsEnabled() bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.enabled
}

// ExportToJSON writes all retained entries to w as an indented JSON array.
func (sl *SlowOperationLog) ExportToJSON(w io.Writer) error {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sl.entries)
}

// Close closes the backing log file, if one was opened.
func (sl *SlowOperationLog) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.logFile != nil {
		err := sl.logFile.Close()
		sl.logFile = nil
		sl.logToFile = false
		return err
	}
	return nil
}
