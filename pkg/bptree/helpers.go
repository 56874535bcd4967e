package bptree

import "github.com/ondisk/bptreedb/pkg/storage"

// setPageParent rewrites a page's parent pointer in place. Works for both
// leaf and internal pages since the field sits at the same header offset.
func setPageParent(page *storage.Page, parentID storage.PageID) {
	h := loadHeader(page.Data)
	h.ParentPageID = parentID
	storeHeader(page.Data, h)
}

// findHeldPage returns the page within held (the current operation's
// ancestor chain) whose id matches, or nil. Structural repair must check
// this before fetching a child by id: the child can turn out to be a page
// this goroutine's own descent already holds write-latched, and a second
// WLatch on the same *storage.Page from the same goroutine deadlocks.
func findHeldPage(held []*storage.Page, id storage.PageID) *storage.Page {
	for _, p := range held {
		if p != nil && p.ID == id {
			return p
		}
	}
	return nil
}

// setChildParent updates a child's parent pointer, fetching and latching
// it only if it isn't already present in held.
func (t *BPlusTree) setChildParent(id storage.PageID, parentID storage.PageID, held []*storage.Page) error {
	if page := findHeldPage(held, id); page != nil {
		setPageParent(page, parentID)
		return nil
	}
	page, err := t.pool.FetchPage(id)
	if err != nil {
		return err
	}
	page.WLatch()
	setPageParent(page, parentID)
	page.WUnlatch()
	return t.pool.UnpinPage(id, true)
}

// reparentChildren rewrites the parent pointer of every child of iv to
// iv's own page id, used after a node absorbs another node's entire entry
// range (an internal split's new sibling, or a coalesce target). held is
// the current operation's ancestor chain, checked per child to avoid
// relatching a page this goroutine's own descent already holds.
func (t *BPlusTree) reparentChildren(iv internalView, held []*storage.Page) error {
	n := int(iv.size())
	for i := 0; i < n; i++ {
		if err := t.setChildParent(iv.childAt(i), iv.page.ID, held); err != nil {
			return err
		}
	}
	return nil
}

// ceilHalf is the minimum occupancy a non-root node must keep: half of
// max_size, rounded up.
func ceilHalf(maxSize int32) int32 {
	return (maxSize + 1) / 2
}
