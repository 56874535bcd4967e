// Package bptree implements a concurrent, disk-paged B+ tree index backed
// by a buffer pool: an ordered multimap from a fixed-width comparable key
// to a record identifier, safe under concurrent readers and writers via
// latch crabbing.
package bptree

import (
	"fmt"
	"sync"
	"time"

	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

// MetricsSink receives per-call timing for the tree's public operations.
// Satisfied by *metrics.MetricsCollector without this package needing to
// import metrics.
type MetricsSink interface {
	RecordGet(duration time.Duration, success bool)
	RecordInsert(duration time.Duration, success bool)
	RecordRemove(duration time.Duration, success bool)
	RecordScan(duration time.Duration)
}

// SlowOpSink receives every completed Get/Insert/Remove call regardless of
// duration; it is up to the sink to decide whether an entry is worth
// retaining. The admin package adapts *metrics.SlowOperationLog to it.
type SlowOpSink interface {
	LogOperation(entry SlowOpEntry)
}

// SlowOpEntry describes one completed tree operation, for SlowOpSink.
type SlowOpEntry struct {
	Operation string
	Key       int64
	Duration  time.Duration
	Success   bool
	Err       error
}

// Options configures a tree's capacity and comparator. Internal/LeafMaxSize
// default to whatever fits a 4 KiB page when left at zero.
type Options struct {
	KeySize         int
	Comparator      KeyComparator
	InternalMaxSize int32
	LeafMaxSize     int32
	OpLogCapacity   int // 0 disables the diagnostic trace
	Metrics         MetricsSink
	SlowOps         SlowOpSink
}

// DefaultOptions returns page-capacity-derived max sizes for the given key
// width and comparator. Each max size is one less than the physical
// per-page capacity: insertAt always has room for one transient overflow
// entry, so a split is performed only after the page already holds
// max_size+1 entries rather than needing to make room for the split itself.
func DefaultOptions(keySize int, cmp KeyComparator) Options {
	leafCap := int32((storage.ContentSize - leafHeaderSize) / (keySize + rid.Size))
	internalCap := int32((storage.ContentSize - nodeHeaderSize) / (keySize + 4))
	return Options{
		KeySize:         keySize,
		Comparator:      cmp,
		InternalMaxSize: internalCap - 1,
		LeafMaxSize:     leafCap - 1,
		OpLogCapacity:   1024,
	}
}

// BPlusTree is an ordered multimap from fixed-width key to rid.RID,
// persisted across pages owned by pool and reachable from the root page id
// recorded in the header page under name.
type BPlusTree struct {
	name string
	pool *storage.BufferPoolManager
	opts Options

	// rootMu serializes root_page_id changes (root splits and demotions)
	// and the header page update that must stay consistent with it.
	rootMu       sync.Mutex
	rootPageID   storage.PageID
	headerPageID storage.PageID

	oplog *OpLog

	metricsMu sync.RWMutex
	metrics   MetricsSink

	slowOpsMu sync.RWMutex
	slowOps   SlowOpSink
}

// SetMetricsSink attaches an optional external observer of per-call timing
// for Get/Insert/Remove/Begin. Passing nil detaches it.
func (t *BPlusTree) SetMetricsSink(sink MetricsSink) {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	t.metrics = sink
}

func (t *BPlusTree) metricsSink() MetricsSink {
	t.metricsMu.RLock()
	defer t.metricsMu.RUnlock()
	return t.metrics
}

// SetSlowOpSink attaches an optional observer that receives every completed
// Get/Insert/Remove call; the sink itself decides what's worth retaining.
// Passing nil detaches it.
func (t *BPlusTree) SetSlowOpSink(sink SlowOpSink) {
	t.slowOpsMu.Lock()
	defer t.slowOpsMu.Unlock()
	t.slowOps = sink
}

func (t *BPlusTree) slowOpSink() SlowOpSink {
	t.slowOpsMu.RLock()
	defer t.slowOpsMu.RUnlock()
	return t.slowOps
}

func keyAsInt64(key []byte) int64 {
	if len(key) == Int64KeySize {
		return DecodeInt64Key(key)
	}
	return 0
}

// NewBPlusTree constructs or re-opens a named index over pool. If name is
// already present in the header page catalog, its recorded root is reused;
// otherwise the tree starts empty (root_page_id == InvalidPageID) and is
// lazily created on the first Insert.
func NewBPlusTree(name string, pool *storage.BufferPoolManager, opts Options) (*BPlusTree, error) {
	if opts.Comparator == nil {
		return nil, fmt.Errorf("bptree: %w: nil comparator", ErrInvalidArgument)
	}
	if opts.KeySize <= 0 {
		return nil, fmt.Errorf("bptree: %w: non-positive key size", ErrInvalidArgument)
	}
	defaults := DefaultOptions(opts.KeySize, opts.Comparator)
	if opts.InternalMaxSize == 0 {
		opts.InternalMaxSize = defaults.InternalMaxSize
	}
	if opts.LeafMaxSize == 0 {
		opts.LeafMaxSize = defaults.LeafMaxSize
	}

	// Page id 0 is reserved for the header page by the disk manager, so it
	// is always safe to fetch here even on a brand new, never-written file
	// — the disk manager hands back a zero-filled page in that case.
	header, err := pool.FetchPage(storage.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("bptree: fetch header page: %w", err)
	}
	cat, err := loadCatalog(header)
	if err != nil {
		pool.UnpinPage(header.ID, false)
		return nil, err
	}
	root, ok := cat.roots[name]
	if !ok {
		root = storage.InvalidPageID
	}
	pool.UnpinPage(header.ID, false)

	var oplog *OpLog
	if opts.OpLogCapacity > 0 {
		oplog = NewOpLog(opts.OpLogCapacity, nil)
	}

	return &BPlusTree{
		name:         name,
		pool:         pool,
		opts:         opts,
		rootPageID:   root,
		headerPageID: storage.HeaderPageID,
		oplog:        oplog,
		metrics:      opts.Metrics,
		slowOps:      opts.SlowOps,
	}, nil
}

// OpLog returns the tree's diagnostic structural-event trace, or nil if
// OpLogCapacity was 0 at construction.
func (t *BPlusTree) OpLog() *OpLog { return t.oplog }

// GetValue looks up key, returning its record identifier and true if
// present.
func (t *BPlusTree) GetValue(key []byte) (rid.RID, bool, error) {
	start := time.Now()
	value, found, err := t.getValue(key)
	elapsed := time.Since(start)
	if sink := t.metricsSink(); sink != nil && err == nil {
		sink.RecordGet(elapsed, found)
	}
	if sink := t.slowOpSink(); sink != nil {
		sink.LogOperation(SlowOpEntry{Operation: "get", Key: keyAsInt64(key), Duration: elapsed, Success: found, Err: err})
	}
	return value, found, err
}

// Insert adds (key, value) unless key is already present, returning
// whether the entry was added.
func (t *BPlusTree) Insert(key []byte, value rid.RID) (bool, error) {
	start := time.Now()
	added, err := t.insert(key, value)
	elapsed := time.Since(start)
	if sink := t.metricsSink(); sink != nil && err == nil {
		sink.RecordInsert(elapsed, added)
	}
	if sink := t.slowOpSink(); sink != nil {
		sink.LogOperation(SlowOpEntry{Operation: "insert", Key: keyAsInt64(key), Duration: elapsed, Success: added, Err: err})
	}
	return added, err
}

// Remove deletes key if present. Missing keys are a silent no-op.
func (t *BPlusTree) Remove(key []byte) error {
	start := time.Now()
	err := t.remove(key)
	elapsed := time.Since(start)
	if sink := t.metricsSink(); sink != nil {
		sink.RecordRemove(elapsed, err == nil)
	}
	if sink := t.slowOpSink(); sink != nil {
		sink.LogOperation(SlowOpEntry{Operation: "remove", Key: keyAsInt64(key), Duration: elapsed, Success: err == nil, Err: err})
	}
	return err
}

// RootPageID returns the tree's current root, or InvalidPageID if empty.
// Exposed for tests that assert round-trip re-opening against the same id.
func (t *BPlusTree) RootPageID() storage.PageID {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.rootPageID
}

func (t *BPlusTree) setRoot(id storage.PageID) error {
	header, err := t.pool.FetchPage(t.headerPageID)
	if err != nil {
		return fmt.Errorf("bptree: fetch header page: %w", err)
	}
	defer t.pool.UnpinPage(header.ID, true)

	cat, err := loadCatalog(header)
	if err != nil {
		return err
	}
	cat.roots[t.name] = id
	if err := cat.store(header); err != nil {
		return err
	}
	t.rootPageID = id
	return nil
}

func (t *BPlusTree) validateKey(key []byte) error {
	if len(key) != t.opts.KeySize {
		return fmt.Errorf("bptree: %w: key width %d, want %d", ErrInvalidArgument, len(key), t.opts.KeySize)
	}
	return nil
}

// Stats reports structural counters for the admin surface and tests.
func (t *BPlusTree) Stats() map[string]any {
	t.rootMu.Lock()
	root := t.rootPageID
	t.rootMu.Unlock()

	stats := map[string]any{
		"name":              t.name,
		"root_page_id":      int32(root),
		"leaf_max_size":     t.opts.LeafMaxSize,
		"internal_max_size": t.opts.InternalMaxSize,
	}
	if t.oplog != nil {
		counts := t.oplog.Counts()
		ops := make(map[string]int, len(counts))
		for k, v := range counts {
			ops[string(k)] = v
		}
		stats["ops"] = ops
	}
	return stats
}

func (t *BPlusTree) record(kind OpKind, key []byte) {
	if t.oplog == nil {
		return
	}
	var k int64
	if len(key) == Int64KeySize {
		k = DecodeInt64Key(key)
	}
	t.oplog.Record(kind, k)
}

// leafView returns a leafView over an already-fetched, already-latched page.
func (t *BPlusTree) leafView(page *storage.Page) leafView {
	return newLeafView(page, t.opts.KeySize)
}

func (t *BPlusTree) internalView(page *storage.Page) internalView {
	return newInternalView(page, t.opts.KeySize)
}

func (t *BPlusTree) pageType(page *storage.Page) PageType {
	return loadHeader(page.Data).PageType
}
