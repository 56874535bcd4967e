package storage

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/ondisk/bptreedb/pkg/concurrent"
)

// IOTracker receives byte counts for completed disk I/O. Satisfied by
// *metrics.ResourceTracker without this package needing to import metrics.
type IOTracker interface {
	RecordRead(bytes uint64)
	RecordWrite(bytes uint64)
}

// DiskManager translates page ids to byte offsets and performs blocking
// I/O against a single backing file. Page ids are handed out monotonically
// and never reused, even after a page is logically deleted.
type DiskManager struct {
	file       *os.File
	nextPageID concurrent.Counter // next id to hand out; monotonic

	mu          sync.Mutex // serializes file I/O
	totalReads  int64
	totalWrites int64
	tracker     IOTracker
}

// SetIOTracker attaches an optional external observer of read/write byte
// counts. Passing nil detaches it.
func (dm *DiskManager) SetIOTracker(tracker IOTracker) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.tracker = tracker
}

// NewDiskManager opens (creating if necessary) the backing file at path.
func NewDiskManager(path string) (*DiskManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDiskIO, path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrDiskIO, path, err)
	}

	dm := &DiskManager{file: file}
	// Page id 0 is reserved for the index layer's header page even before
	// it has been explicitly written, so AllocatePage never hands it out.
	next := info.Size() / PageSize
	if next < 1 {
		next = 1
	}
	dm.nextPageID.Store(uint64(next))
	return dm, nil
}

// AllocatePage hands out the next unused page id. Monotonic; never reuses
// an id within the lifetime of this core.
func (dm *DiskManager) AllocatePage() PageID {
	return PageID(dm.nextPageID.Inc() - 1)
}

// ReadPage fills a page's content from disk. Reading beyond the current
// file length returns a zeroed page rather than an error — an unwritten
// page is a legitimate "not yet flushed" state for a freshly allocated id.
func (dm *DiskManager) ReadPage(id PageID) (*Page, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf := make([]byte, PageSize)
	offset := int64(id) * PageSize

	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && n < PageSize {
		for i := n; i < PageSize; i++ {
			buf[i] = 0
		}
		n = 0
	} else if err != nil {
		return nil, fmt.Errorf("%w: read page %d: %v", ErrDiskIO, id, err)
	}

	page := NewPage(id)
	if n == 0 {
		dm.totalReads++
		return page, nil
	}

	content := buf[:ContentSize]
	wantSum := buf[ContentSize:PageSize]
	if !allZero(wantSum) {
		gotSum := blake2b.Sum256(content)
		if !bytes.Equal(gotSum[:], wantSum) {
			return nil, fmt.Errorf("%w: page %d", ErrPageChecksumMismatch, id)
		}
	}

	copy(page.Data, content)
	dm.totalReads++
	if dm.tracker != nil {
		dm.tracker.RecordRead(PageSize)
	}
	return page, nil
}

// WritePage writes exactly PageSize bytes for page.ID, extending the file
// if necessary, and records a blake2b-256 checksum over the content.
func (dm *DiskManager) WritePage(page *Page) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf := make([]byte, PageSize)
	copy(buf, page.Data)
	sum := blake2b.Sum256(buf[:ContentSize])
	copy(buf[ContentSize:], sum[:])

	offset := int64(page.ID) * PageSize
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: write page %d: %v", ErrDiskIO, page.ID, err)
	}

	dm.totalWrites++
	if dm.tracker != nil {
		dm.tracker.RecordWrite(PageSize)
	}
	return nil
}

// Sync flushes the backing file to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrDiskIO, err)
	}
	return nil
}

// Close syncs and closes the backing file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync on close: %v", ErrDiskIO, err)
	}
	if err := dm.file.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrDiskIO, err)
	}
	return nil
}

// Stats reports counters useful for an admin surface.
func (dm *DiskManager) Stats() map[string]any {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return map[string]any{
		"next_page_id": dm.nextPageID.Load(),
		"total_reads":  dm.totalReads,
		"total_writes": dm.totalWrites,
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
