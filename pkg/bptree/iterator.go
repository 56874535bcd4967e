package bptree

import (
	"fmt"
	"time"

	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

// Iterator walks a leaf chain in ascending key order, holding a read latch
// on exactly one leaf page at a time. It is single-goroutine use only and
// must be closed to release whatever latch it currently holds.
type Iterator struct {
	tree *BPlusTree
	leaf *storage.Page
	lv   leafView
	idx  int
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *BPlusTree) Begin() (*Iterator, error) {
	start := time.Now()
	it, err := t.begin(nil)
	if sink := t.metricsSink(); sink != nil && err == nil {
		sink.RecordScan(time.Since(start))
	}
	return it, err
}

// BeginAt returns an iterator positioned at key, or at the next key
// greater than it if key is absent.
func (t *BPlusTree) BeginAt(key []byte) (*Iterator, error) {
	if err := t.validateKey(key); err != nil {
		return nil, err
	}
	start := time.Now()
	it, err := t.begin(key)
	if sink := t.metricsSink(); sink != nil && err == nil {
		sink.RecordScan(time.Since(start))
	}
	return it, err
}

// End returns an exhausted iterator, usable as an empty-tree result or a
// sentinel to compare against.
func (t *BPlusTree) End() *Iterator {
	return &Iterator{tree: t}
}

func (t *BPlusTree) begin(key []byte) (*Iterator, error) {
	var page *storage.Page
	for {
		t.rootMu.Lock()
		rootID := t.rootPageID
		t.rootMu.Unlock()
		if rootID == storage.InvalidPageID {
			return t.End(), nil
		}

		var err error
		page, err = t.pool.FetchPage(rootID)
		if err != nil {
			return nil, err
		}
		page.RLatch()

		// A concurrent root split can have replaced the root between the
		// read above and this latch being granted. Retry with the fresh
		// root id rather than descend from a page that is no longer it.
		t.rootMu.Lock()
		stillRoot := t.rootPageID == rootID
		t.rootMu.Unlock()
		if !stillRoot {
			page.RUnlatch()
			t.pool.UnpinPage(page.ID, false)
			continue
		}
		break
	}

	for t.pageType(page) == PageTypeInternal {
		iv := t.internalView(page)
		childIdx := 0
		if key != nil {
			childIdx = iv.lookup(key, t.opts.Comparator)
		}
		childID := iv.childAt(childIdx)

		child, err := t.pool.FetchPage(childID)
		if err != nil {
			page.RUnlatch()
			t.pool.UnpinPage(page.ID, false)
			return nil, err
		}
		child.RLatch()
		page.RUnlatch()
		t.pool.UnpinPage(page.ID, false)
		page = child
	}

	lv := t.leafView(page)
	idx := 0
	if key != nil {
		idx, _ = lv.find(key, t.opts.Comparator)
	}
	it := &Iterator{tree: t, leaf: page, lv: lv, idx: idx}
	it.skipToValid()
	return it, nil
}

// skipToValid advances across leaf boundaries while idx has run past the
// current leaf's entries, stopping at the first live entry or at the end
// of the chain. It also guards against a corrupted next-pointer: a sibling
// link that doesn't resolve to a leaf page ends iteration rather than
// risks misreading an internal page as leaf data.
func (it *Iterator) skipToValid() {
	for it.leaf != nil && it.idx >= int(it.lv.size()) {
		next := it.lv.nextPageID()
		it.release()
		if next == storage.InvalidPageID {
			return
		}

		page, err := it.tree.pool.FetchPage(next)
		if err != nil {
			return
		}
		page.RLatch()
		if it.tree.pageType(page) != PageTypeLeaf {
			page.RUnlatch()
			it.tree.pool.UnpinPage(page.ID, false)
			return
		}
		it.leaf = page
		it.lv = it.tree.leafView(page)
		it.idx = 0
	}
}

func (it *Iterator) release() {
	if it.leaf == nil {
		return
	}
	it.leaf.RUnlatch()
	it.tree.pool.UnpinPage(it.leaf.ID, false)
	it.leaf = nil
}

// IsEnd reports whether the iterator has been exhausted.
func (it *Iterator) IsEnd() bool { return it.leaf == nil }

// Key returns a copy of the current entry's key. Must not be called when
// IsEnd is true.
func (it *Iterator) Key() []byte {
	return append([]byte(nil), it.lv.keyAt(it.idx)...)
}

// Value returns the current entry's record identifier. Must not be called
// when IsEnd is true.
func (it *Iterator) Value() rid.RID {
	return it.lv.ridAt(it.idx)
}

// Next advances to the following entry, crossing into the next leaf if
// the current one is exhausted.
func (it *Iterator) Next() error {
	if it.leaf == nil {
		return fmt.Errorf("bptree: %w: Next called past end", ErrInvalidArgument)
	}
	it.idx++
	it.skipToValid()
	return nil
}

// Close releases any latch still held. Safe to call more than once.
func (it *Iterator) Close() {
	it.release()
}
