package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds engine configuration.
type Config struct {
	DataDir        string
	BufferPoolSize int // number of frames to cache
}

// DefaultConfig returns a configuration with a 1000-frame pool (~4 MiB).
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		BufferPoolSize: 1000,
	}
}

// Engine wires a DiskManager to a BufferPoolManager and is the handle the
// index layer is constructed against. There is no WAL or crash recovery
// here: a dirty page survives only if FlushPage or Close ran before a
// crash.
type Engine struct {
	disk *DiskManager
	pool *BufferPoolManager
}

// Open creates the data directory if necessary and opens the backing
// file and buffer pool.
func Open(config *Config) (*Engine, error) {
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dataPath := filepath.Join(config.DataDir, "data.db")
	disk, err := NewDiskManager(dataPath)
	if err != nil {
		return nil, fmt.Errorf("open disk manager: %w", err)
	}

	return &Engine{
		disk: disk,
		pool: NewBufferPoolManager(config.BufferPoolSize, disk),
	}, nil
}

// Pool returns the buffer pool manager the index layer pins pages through.
func (e *Engine) Pool() *BufferPoolManager { return e.pool }

// Disk returns the disk manager, mostly for stats.
func (e *Engine) Disk() *DiskManager { return e.disk }

// Close flushes all dirty pages and closes the backing file.
func (e *Engine) Close() error {
	if err := e.pool.FlushAllPages(); err != nil {
		return fmt.Errorf("flush pages on close: %w", err)
	}
	return e.disk.Close()
}

// Stats reports buffer pool and disk manager counters.
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"buffer_pool": e.pool.Stats(),
		"disk":        e.disk.Stats(),
	}
}
