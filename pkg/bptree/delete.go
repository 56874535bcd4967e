package bptree

import "github.com/ondisk/bptreedb/pkg/storage"

// isSafeForDelete reports whether page can lose one entry without
// dropping below minimum occupancy, meaning no rebalancing would be
// needed at its parent.
func (t *BPlusTree) isSafeForDelete(page *storage.Page) bool {
	h := loadHeader(page.Data)
	return h.Size > ceilHalf(h.MaxSize)
}

func (t *BPlusTree) canLend(sibling *storage.Page) bool {
	h := loadHeader(sibling.Data)
	return h.Size > ceilHalf(h.MaxSize)
}

// remove deletes key if present. Missing keys are a silent no-op. Descent
// mirrors Insert's hand-over-hand write latching but releases ancestors
// above the first node found safe for deletion (occupancy strictly above
// the minimum), since underflow repair can never reach past such a node.
func (t *BPlusTree) remove(key []byte) error {
	if err := t.validateKey(key); err != nil {
		return err
	}

	ancestors := NewAncestorLatchSet()
	var page *storage.Page
	for {
		t.rootMu.Lock()
		if t.rootPageID == storage.InvalidPageID {
			t.rootMu.Unlock()
			return nil
		}
		rootID := t.rootPageID
		t.rootMu.Unlock()

		var err error
		page, err = t.pool.FetchPage(rootID)
		if err != nil {
			return err
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
	if t.isSafeForDelete(page) {
		ancestors.ReleaseAncestorsOf(t.pool)
	}

	for t.pageType(page) == PageTypeInternal {
		iv := t.internalView(page)
		idx := iv.lookup(key, t.opts.Comparator)
		childID := iv.childAt(idx)

		child, err := t.pool.FetchPage(childID)
		if err != nil {
			ancestors.ReleaseAll(t.pool, false)
			return err
		}
		child.WLatch()
		ancestors.Push(child, LatchWrite)
		if t.isSafeForDelete(child) {
			ancestors.ReleaseAncestorsOf(t.pool)
		}
		page = child
	}

	lv := t.leafView(page)
	idx, found := lv.find(key, t.opts.Comparator)
	if !found {
		ancestors.ReleaseAll(t.pool, false)
		return nil
	}
	lv.removeAt(idx)
	t.record(OpRemove, key)

	pages := ancestors.Pages()
	leafIdx := len(pages) - 1

	var repairErr error
	switch {
	case leafIdx == 0:
		if lv.size() == 0 {
			t.rootMu.Lock()
			err := t.setRoot(storage.InvalidPageID)
			t.rootMu.Unlock()
			if err != nil {
				repairErr = err
			} else {
				ancestors.MarkDeleted(page.ID)
			}
		}
	case lv.size() < ceilHalf(lv.maxSize()):
		repairErr = t.repairUnderflow(ancestors, pages, leafIdx)
	}

	deleted := ancestors.ReleaseAll(t.pool, true)
	for _, id := range deleted {
		_ = t.pool.DeletePage(id)
	}
	return repairErr
}

// repairUnderflow restores minimum occupancy for pages[idx] by borrowing an
// entry from a sibling, or failing that, coalescing with one. idx is
// always > 0 here: root underflow has no minimum and is handled separately
// by maybeDemoteRoot once a coalesce shrinks it.
func (t *BPlusTree) repairUnderflow(ancestors *AncestorLatchSet, pages []*storage.Page, idx int) error {
	node := pages[idx]
	parent := pages[idx-1]
	piv := t.internalView(parent)
	myPos := piv.indexOfChild(node.ID)

	// Sibling acquisition always prefers the right sibling over the left,
	// matching the leaf chain's ascending order, so two underflow repairs
	// latching adjacent nodes from opposite ends can never form a cycle.
	// Only a node with no right sibling (the last child) falls back to
	// the left one.
	if myPos < int(piv.size())-1 {
		rightID := piv.childAt(myPos + 1)
		right, err := t.pool.FetchPage(rightID)
		if err != nil {
			return err
		}
		right.WLatch()
		if t.canLend(right) {
			err := t.redistributeFromRight(piv, myPos, node, right, pages)
			right.WUnlatch()
			t.pool.UnpinPage(right.ID, true)
			return err
		}
		err = t.coalesceRightInto(piv, myPos, node, right, pages)
		right.WUnlatch()
		t.pool.UnpinPage(right.ID, true)
		if err != nil {
			return err
		}
		ancestors.MarkDeleted(right.ID)
		return t.afterShrink(ancestors, pages, idx-1)
	}

	// myPos is the last child: no right sibling, fall back to the left one.
	leftID := piv.childAt(myPos - 1)
	left, err := t.pool.FetchPage(leftID)
	if err != nil {
		return err
	}
	left.WLatch()
	if t.canLend(left) {
		err := t.redistributeFromLeft(piv, myPos, left, node, pages)
		left.WUnlatch()
		t.pool.UnpinPage(left.ID, true)
		return err
	}
	err = t.coalesceIntoLeft(piv, myPos, left, node, pages)
	left.WUnlatch()
	t.pool.UnpinPage(left.ID, true)
	if err != nil {
		return err
	}
	ancestors.MarkDeleted(node.ID)
	return t.afterShrink(ancestors, pages, idx-1)
}

// afterShrink runs once a coalesce has removed one child entry from
// pages[parentIdx]. The root has no minimum occupancy of its own: it is
// only ever demoted, never redistributed or coalesced into a sibling.
func (t *BPlusTree) afterShrink(ancestors *AncestorLatchSet, pages []*storage.Page, parentIdx int) error {
	parent := pages[parentIdx]
	if parentIdx == 0 {
		return t.maybeDemoteRoot(ancestors, pages)
	}
	piv := t.internalView(parent)
	if piv.size() >= ceilHalf(piv.maxSize()) {
		return nil
	}
	return t.repairUnderflow(ancestors, pages, parentIdx)
}

// maybeDemoteRoot collapses a root down to its sole remaining child once a
// coalesce has left it with only one.
func (t *BPlusTree) maybeDemoteRoot(ancestors *AncestorLatchSet, pages []*storage.Page) error {
	root := pages[0]
	piv := t.internalView(root)
	if piv.size() > 1 {
		return nil
	}

	childID := piv.childAt(0)
	if err := t.setChildParent(childID, storage.InvalidPageID, pages); err != nil {
		return err
	}

	t.rootMu.Lock()
	err := t.setRoot(childID)
	t.rootMu.Unlock()
	if err != nil {
		return err
	}

	ancestors.MarkDeleted(root.ID)
	t.record(OpRootDemote, nil)
	return nil
}

// redistributeFromLeft borrows left's last entry onto the front of node.
// For internal nodes the relocated child's parent pointer moves too, and
// the key that guards it is rotated through the parent rather than copied
// verbatim, since the key at node's unused slot 0 carries no meaning.
func (t *BPlusTree) redistributeFromLeft(piv internalView, myPos int, left, node *storage.Page, held []*storage.Page) error {
	if t.pageType(node) == PageTypeLeaf {
		lv := t.leafView(node)
		ls := t.leafView(left)
		lv.borrowLastFrom(ls)
		piv.setEntry(myPos, lv.keyAt(0), piv.childAt(myPos))
		t.record(OpRedistribute, lv.keyAt(0))
		return nil
	}

	niv := t.internalView(node)
	lsi := t.internalView(left)
	oldSeparator := append([]byte(nil), piv.keyAt(myPos)...)

	lastIdx := int(lsi.size()) - 1
	relocated := lsi.childAt(lastIdx)
	newParentSeparator := append([]byte(nil), lsi.keyAt(lastIdx)...)
	lsi.removeAt(lastIdx)

	niv.prependChild(relocated, oldSeparator)
	piv.setEntry(myPos, newParentSeparator, piv.childAt(myPos))
	t.record(OpRedistribute, newParentSeparator)
	return t.setChildParent(relocated, niv.page.ID, held)
}

// redistributeFromRight is the mirror of redistributeFromLeft, borrowing
// right's first entry onto the end of node.
func (t *BPlusTree) redistributeFromRight(piv internalView, myPos int, node, right *storage.Page, held []*storage.Page) error {
	if t.pageType(node) == PageTypeLeaf {
		lv := t.leafView(node)
		rs := t.leafView(right)
		lv.borrowFirstFrom(rs)
		piv.setEntry(myPos+1, rs.keyAt(0), piv.childAt(myPos+1))
		t.record(OpRedistribute, rs.keyAt(0))
		return nil
	}

	niv := t.internalView(node)
	rsi := t.internalView(right)
	oldSeparator := append([]byte(nil), piv.keyAt(myPos+1)...)

	relocated := rsi.childAt(0)
	newParentSeparator := append([]byte(nil), rsi.keyAt(1)...)

	niv.appendChild(relocated, oldSeparator)
	rsi.removeAt(0)
	piv.setEntry(myPos+1, newParentSeparator, piv.childAt(myPos+1))
	t.record(OpRedistribute, newParentSeparator)
	return t.setChildParent(relocated, niv.page.ID, held)
}

// coalesceIntoLeft merges node's entries into left, which keeps node's old
// page id queued for deletion by the caller. For internal nodes the
// parent's separator between the two is pulled down to become the real
// key for node's first moved entry, and every relocated child is
// reparented to left.
func (t *BPlusTree) coalesceIntoLeft(piv internalView, myPos int, left, node *storage.Page, held []*storage.Page) error {
	if t.pageType(node) == PageTypeLeaf {
		lv := t.leafView(node)
		ls := t.leafView(left)
		lv.moveAllTo(ls)
	} else {
		niv := t.internalView(node)
		lsi := t.internalView(left)
		separator := append([]byte(nil), piv.keyAt(myPos)...)
		niv.setEntry(0, separator, niv.childAt(0))
		niv.moveAllTo(lsi)
		if err := t.reparentChildren(lsi, held); err != nil {
			return err
		}
	}
	piv.removeAt(myPos)
	t.record(OpCoalesce, nil)
	return nil
}

// coalesceRightInto merges right's entries into node (used whenever node
// has a right sibling, since repairUnderflow tries the right side first).
func (t *BPlusTree) coalesceRightInto(piv internalView, myPos int, node, right *storage.Page, held []*storage.Page) error {
	if t.pageType(node) == PageTypeLeaf {
		rs := t.leafView(right)
		nv := t.leafView(node)
		rs.moveAllTo(nv)
	} else {
		rsi := t.internalView(right)
		niv := t.internalView(node)
		separator := append([]byte(nil), piv.keyAt(myPos+1)...)
		rsi.setEntry(0, separator, rsi.childAt(0))
		rsi.moveAllTo(niv)
		if err := t.reparentChildren(niv, held); err != nil {
			return err
		}
	}
	piv.removeAt(myPos + 1)
	t.record(OpCoalesce, nil)
	return nil
}
