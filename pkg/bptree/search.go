package bptree

import (
	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

// getValue looks up key, returning its record identifier and true if
// present. Descends with hand-over-hand read latching: a child is latched
// before its parent is released, so a concurrent writer can never observe
// a half-updated path.
func (t *BPlusTree) getValue(key []byte) (rid.RID, bool, error) {
	var zero rid.RID
	if err := t.validateKey(key); err != nil {
		return zero, false, err
	}

	var page *storage.Page
	for {
		t.rootMu.Lock()
		rootID := t.rootPageID
		t.rootMu.Unlock()
		if rootID == storage.InvalidPageID {
			return zero, false, nil
		}

		var err error
		page, err = t.pool.FetchPage(rootID)
		if err != nil {
			return zero, false, err
		}
		page.RLatch()

		// A concurrent root split can have replaced the root between the
		// read above and this latch being granted. Retry with the fresh
		// root id rather than search from a page that is no longer it.
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
		idx := iv.lookup(key, t.opts.Comparator)
		childID := iv.childAt(idx)

		child, err := t.pool.FetchPage(childID)
		if err != nil {
			page.RUnlatch()
			t.pool.UnpinPage(page.ID, false)
			return zero, false, err
		}
		child.RLatch()
		page.RUnlatch()
		t.pool.UnpinPage(page.ID, false)
		page = child
	}

	lv := t.leafView(page)
	idx, found := lv.find(key, t.opts.Comparator)
	var value rid.RID
	if found {
		value = lv.ridAt(idx)
	}
	page.RUnlatch()
	t.pool.UnpinPage(page.ID, false)
	return value, found, nil
}
