package bptree

import (
	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

// isSafeForInsert reports whether page can absorb one more entry without
// needing to split, i.e. without requiring any change to its parent.
func (t *BPlusTree) isSafeForInsert(page *storage.Page) bool {
	h := loadHeader(page.Data)
	return h.Size < h.MaxSize
}

// insert adds (key, value) unless key is already present, returning
// whether the entry was added. Descent takes write latches hand-over-hand,
// releasing every ancestor above the first node found safe for insertion
// so a split (if one turns out to be needed) only ever propagates through
// latches still held.
func (t *BPlusTree) insert(key []byte, value rid.RID) (bool, error) {
	if err := t.validateKey(key); err != nil {
		return false, err
	}

	t.rootMu.Lock()
	if t.rootPageID == storage.InvalidPageID {
		page, err := t.pool.NewPage()
		if err != nil {
			t.rootMu.Unlock()
			return false, err
		}
		lv := t.leafView(page)
		lv.init(t.opts.LeafMaxSize, storage.InvalidPageID)
		lv.insertAt(0, key, value)
		if err := t.setRoot(page.ID); err != nil {
			t.pool.UnpinPage(page.ID, true)
			t.rootMu.Unlock()
			return false, err
		}
		t.pool.UnpinPage(page.ID, true)
		t.rootMu.Unlock()
		t.record(OpInsert, key)
		return true, nil
	}
	t.rootMu.Unlock()

	ancestors := NewAncestorLatchSet()
	var page *storage.Page
	for {
		t.rootMu.Lock()
		rootID := t.rootPageID
		t.rootMu.Unlock()

		var err error
		page, err = t.pool.FetchPage(rootID)
		if err != nil {
			return false, err
		}
		page.WLatch()

		// A concurrent root split can have replaced the root between the
		// read above and this latch being granted. Retry with the fresh
		// root id rather than operate on a page that is no longer it.
		t.rootMu.Lock()
		stillRoot := t.rootPageID == rootID
		t.rootMu.Unlock()
		if !stillRoot {
			page.WUnlatch()
			t.pool.UnpinPage(page.ID, false)
			continue
		}
		break
	}
	ancestors.Push(page, LatchWrite)
	if t.isSafeForInsert(page) {
		ancestors.ReleaseAncestorsOf(t.pool)
	}

	for t.pageType(page) == PageTypeInternal {
		iv := t.internalView(page)
		idx := iv.lookup(key, t.opts.Comparator)
		childID := iv.childAt(idx)

		child, err := t.pool.FetchPage(childID)
		if err != nil {
			ancestors.ReleaseAll(t.pool, false)
			return false, err
		}
		child.WLatch()
		ancestors.Push(child, LatchWrite)
		if t.isSafeForInsert(child) {
			ancestors.ReleaseAncestorsOf(t.pool)
		}
		page = child
	}

	lv := t.leafView(page)
	idx, found := lv.find(key, t.opts.Comparator)
	if found {
		ancestors.ReleaseAll(t.pool, false)
		return false, nil
	}
	lv.insertAt(idx, key, value)
	t.record(OpInsert, key)

	if lv.size() <= lv.maxSize() {
		ancestors.ReleaseAll(t.pool, true)
		return true, nil
	}

	return true, t.splitLeafAndPropagate(ancestors, lv)
}

// splitLeafAndPropagate is called once an insert has pushed a leaf one
// entry past its max size. It splits the leaf, promotes a copy of the new
// right sibling's first key (the leaf itself keeps that key as a real
// entry, unlike an internal split), and walks the propagation up through
// whatever ancestors are still held.
func (t *BPlusTree) splitLeafAndPropagate(ancestors *AncestorLatchSet, lv leafView) error {
	newPage, err := t.pool.NewPage()
	if err != nil {
		ancestors.ReleaseAll(t.pool, true)
		return err
	}
	nv := t.leafView(newPage)
	nv.init(lv.maxSize(), lv.parentPageID())
	lv.moveRightHalfTo(nv)
	promoted := append([]byte(nil), nv.keyAt(0)...)
	t.record(OpSplitLeaf, promoted)

	pages := ancestors.Pages()
	return t.propagateSplit(ancestors, pages, len(pages)-2, lv.page.ID, newPage, promoted)
}

// propagateSplit inserts (promotedKey, rightChild) into pages[parentIdx],
// the level directly above the node that just split (identified by
// leftID, its unchanged page id after truncation). rightChild arrives
// pinned and owned by the caller; this function always either hands it to
// a parent or consumes it into a freshly grown root. If the split reaches
// past the held ancestor chain (parentIdx < 0), the former root itself
// just split and a new root is grown over both halves.
func (t *BPlusTree) propagateSplit(ancestors *AncestorLatchSet, pages []*storage.Page, parentIdx int, leftID storage.PageID, rightChild *storage.Page, promotedKey []byte) error {
	if parentIdx < 0 {
		return t.growNewRoot(ancestors, pages[0], rightChild, promotedKey)
	}

	parent := pages[parentIdx]
	piv := t.internalView(parent)
	leftIdx := piv.indexOfChild(leftID)

	setPageParent(rightChild, parent.ID)
	piv.insertAt(leftIdx+1, promotedKey, rightChild.ID)
	t.pool.UnpinPage(rightChild.ID, true)

	if piv.size() <= piv.maxSize() {
		ancestors.ReleaseAll(t.pool, true)
		return nil
	}

	newInternal, err := t.pool.NewPage()
	if err != nil {
		ancestors.ReleaseAll(t.pool, true)
		return err
	}
	niv := t.internalView(newInternal)
	niv.init(piv.maxSize(), piv.parentPageID())

	mid := int(piv.size()) / 2
	middleKey := append([]byte(nil), piv.keyAt(mid)...)
	piv.moveRightHalfTo(niv)
	t.record(OpSplitInner, middleKey)

	if err := t.reparentChildren(niv, pages); err != nil {
		t.pool.UnpinPage(newInternal.ID, true)
		ancestors.ReleaseAll(t.pool, true)
		return err
	}

	return t.propagateSplit(ancestors, pages, parentIdx-1, parent.ID, newInternal, middleKey)
}

// growNewRoot builds a fresh two-child root over the former root (now
// truncated by a split) and its new sibling, demoting neither: the old
// root simply becomes an ordinary internal (or leaf) node one level down.
func (t *BPlusTree) growNewRoot(ancestors *AncestorLatchSet, oldRoot, rightChild *storage.Page, promotedKey []byte) error {
	newRoot, err := t.pool.NewPage()
	if err != nil {
		t.pool.UnpinPage(rightChild.ID, true)
		ancestors.ReleaseAll(t.pool, true)
		return err
	}
	niv := t.internalView(newRoot)
	niv.init(t.opts.InternalMaxSize, storage.InvalidPageID)
	niv.setFirstChild(oldRoot.ID)
	niv.setEntry(1, promotedKey, rightChild.ID)
	niv.setSize(2)

	setPageParent(oldRoot, newRoot.ID)
	setPageParent(rightChild, newRoot.ID)
	t.pool.UnpinPage(rightChild.ID, true)

	t.rootMu.Lock()
	err = t.setRoot(newRoot.ID)
	t.rootMu.Unlock()
	t.pool.UnpinPage(newRoot.ID, true)
	if err != nil {
		ancestors.ReleaseAll(t.pool, true)
		return err
	}

	t.record(OpSplitInner, promotedKey)
	ancestors.ReleaseAll(t.pool, true)
	return nil
}
