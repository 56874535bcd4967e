package storage

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ondisk/bptreedb/pkg/concurrent"
)

// PoolMetricsSink receives per-event notifications of buffer pool activity.
// Satisfied by *metrics.MetricsCollector without this package needing to
// import metrics.
type PoolMetricsSink interface {
	RecordPageHit()
	RecordPageMiss()
	RecordPageEviction()
}

// BufferPoolManager caches a bounded number of pages in memory, serving
// pin requests and evicting cold, unpinned frames. A single internal
// mutex guards the page table, free list, and replacer state; disk I/O
// happens with the mutex released so a slow read never blocks unrelated
// table lookups.
type BufferPoolManager struct {
	disk *DiskManager

	mu        sync.Mutex
	frames    []*Page
	pageTable map[PageID]frameID
	freeList  *concurrent.LockFreeStack // of frameID: never-used frames, frames freed by DeletePage, and frames handed back after a failed read or write-back
	replacer  *LRUKReplacer

	fetchGroup singleflight.Group // collapses concurrent misses on the same page id

	hits      int64
	misses    int64
	evictions int64

	sinkMu sync.RWMutex
	sink   PoolMetricsSink
}

// SetMetricsSink attaches an optional external observer of pool hit/miss/
// eviction events. Passing nil detaches it.
func (bp *BufferPoolManager) SetMetricsSink(sink PoolMetricsSink) {
	bp.sinkMu.Lock()
	defer bp.sinkMu.Unlock()
	bp.sink = sink
}

func (bp *BufferPoolManager) notify(event func(PoolMetricsSink)) {
	bp.sinkMu.RLock()
	sink := bp.sink
	bp.sinkMu.RUnlock()
	if sink != nil {
		event(sink)
	}
}

// NewBufferPoolManager creates a pool of the given frame capacity backed
// by disk.
func NewBufferPoolManager(capacity int, disk *DiskManager) *BufferPoolManager {
	bp := &BufferPoolManager{
		disk:      disk,
		frames:    make([]*Page, capacity),
		pageTable: make(map[PageID]frameID, capacity),
		freeList:  concurrent.NewLockFreeStack(),
		replacer:  NewLRUKReplacer(2),
	}
	for i := capacity - 1; i >= 0; i-- {
		bp.freeList.Push(frameID(i))
	}
	return bp
}

// reserveFrame picks a free or evictable frame. Must be called with mu
// held. Returns the frame's previous occupant (nil if it came from the
// free list) so the caller can flush it with mu released.
func (bp *BufferPoolManager) reserveFrame() (frameID, *Page, bool) {
	if v, ok := bp.freeList.Pop(); ok {
		return v.(frameID), nil, true
	}
	fid, ok := bp.replacer.Victim()
	if !ok {
		return 0, nil, false
	}
	victimPage := bp.frames[fid]
	delete(bp.pageTable, victimPage.ID)
	return fid, victimPage, true
}

// FetchPage returns the requested page, pinned, fetching it from disk if
// it is not already resident. Fails with ErrOutOfMemory if every frame is
// pinned.
func (bp *BufferPoolManager) FetchPage(id PageID) (*Page, error) {
	bp.mu.Lock()
	if fid, ok := bp.pageTable[id]; ok {
		page := bp.frames[fid]
		page.Pin()
		bp.replacer.Pin(fid)
		bp.replacer.RecordAccess(fid)
		bp.hits++
		bp.mu.Unlock()
		bp.notify(PoolMetricsSink.RecordPageHit)
		return page, nil
	}
	bp.misses++
	bp.mu.Unlock()

	bp.notify(PoolMetricsSink.RecordPageMiss)
	res, err, _ := bp.fetchGroup.Do(fmt.Sprintf("%d", id), func() (any, error) {
		return bp.fetchMiss(id)
	})
	if err != nil {
		return nil, err
	}
	page := res.(*Page)

	// Every caller that joined this flight — including the one that
	// actually performed the read — pins its own reference here.
	bp.mu.Lock()
	page.Pin()
	if fid, ok := bp.pageTable[page.ID]; ok {
		bp.replacer.Pin(fid)
	}
	bp.mu.Unlock()
	return page, nil
}

// fetchMiss performs the actual disk read and frame install for a cold
// page id.
func (bp *BufferPoolManager) fetchMiss(id PageID) (*Page, error) {
	bp.mu.Lock()
	if fid, ok := bp.pageTable[id]; ok {
		bp.mu.Unlock()
		return bp.frames[fid], nil
	}
	fid, victim, ok := bp.reserveFrame()
	if !ok {
		bp.mu.Unlock()
		return nil, ErrOutOfMemory
	}
	bp.mu.Unlock()

	if victim != nil && victim.IsDirty {
		if err := bp.disk.WritePage(victim); err != nil {
			bp.mu.Lock()
			bp.freeList.Push(fid)
			bp.mu.Unlock()
			return nil, err
		}
	}

	page, err := bp.disk.ReadPage(id)
	if err != nil {
		bp.mu.Lock()
		bp.freeList.Push(fid)
		bp.mu.Unlock()
		return nil, err
	}

	bp.mu.Lock()
	evicted := victim != nil
	if evicted {
		bp.evictions++
	}
	bp.frames[fid] = page
	bp.pageTable[id] = fid
	bp.mu.Unlock()
	if evicted {
		bp.notify(PoolMetricsSink.RecordPageEviction)
	}

	return page, nil
}

// NewPage allocates a fresh page id via the disk manager, installs it in
// a frame, pins it, and returns it zeroed.
func (bp *BufferPoolManager) NewPage() (*Page, error) {
	bp.mu.Lock()
	fid, victim, ok := bp.reserveFrame()
	if !ok {
		bp.mu.Unlock()
		return nil, ErrOutOfMemory
	}
	bp.mu.Unlock()

	if victim != nil && victim.IsDirty {
		if err := bp.disk.WritePage(victim); err != nil {
			bp.mu.Lock()
			bp.freeList.Push(fid)
			bp.mu.Unlock()
			return nil, err
		}
	}

	id := bp.disk.AllocatePage()
	page := NewPage(id)
	page.MarkDirty()

	bp.mu.Lock()
	bp.frames[fid] = page
	bp.pageTable[id] = fid
	page.Pin()
	bp.replacer.Pin(fid)
	evicted := victim != nil
	if evicted {
		bp.evictions++
	}
	bp.mu.Unlock()
	if evicted {
		bp.notify(PoolMetricsSink.RecordPageEviction)
	}

	return page, nil
}

// UnpinPage decrements a page's pin count and ORs in the dirty flag. When
// the pin count reaches zero the frame becomes evictable.
func (bp *BufferPoolManager) UnpinPage(id PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotInPool, id)
	}
	page := bp.frames[fid]
	if isDirty {
		page.MarkDirty()
	}
	page.Unpin()
	if !page.IsPinned() {
		bp.replacer.Unpin(fid)
	}
	return nil
}

// FlushPage writes a resident page's dirty content to disk without
// unpinning it.
func (bp *BufferPoolManager) FlushPage(id PageID) error {
	bp.mu.Lock()
	fid, ok := bp.pageTable[id]
	if !ok {
		bp.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrPageNotInPool, id)
	}
	page := bp.frames[fid]
	bp.mu.Unlock()

	if !page.IsDirty {
		return nil
	}
	if err := bp.disk.WritePage(page); err != nil {
		return err
	}
	page.IsDirty = false
	return nil
}

// FlushAllPages writes every dirty resident page to disk.
func (bp *BufferPoolManager) FlushAllPages() error {
	bp.mu.Lock()
	ids := make([]PageID, 0, len(bp.pageTable))
	for id := range bp.pageTable {
		ids = append(ids, id)
	}
	bp.mu.Unlock()

	for _, id := range ids {
		if err := bp.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage retires a page id, succeeding only when its pin count is
// zero. The page must already be logically unlinked from the tree.
func (bp *BufferPoolManager) DeletePage(id PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return nil
	}
	page := bp.frames[fid]
	if page.IsPinned() {
		return fmt.Errorf("%w: page %d", ErrPagePinned, id)
	}
	bp.replacer.Pin(fid) // remove from eviction candidacy before recycling
	delete(bp.pageTable, id)
	bp.frames[fid] = nil
	bp.freeList.Push(fid)
	return nil
}

// Stats reports pool counters for the admin surface.
func (bp *BufferPoolManager) Stats() map[string]any {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	total := bp.hits + bp.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(bp.hits) / float64(total) * 100
	}
	return map[string]any{
		"capacity":  len(bp.frames),
		"resident":  len(bp.pageTable),
		"hits":      bp.hits,
		"misses":    bp.misses,
		"evictions": bp.evictions,
		"hit_rate":  hitRate,
	}
}
