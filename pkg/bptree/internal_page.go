package bptree

import (
	"encoding/binary"
	"sort"

	"github.com/ondisk/bptreedb/pkg/storage"
)

// internalView interprets a storage.Page's content bytes as an internal
// node: an ascending array of (key, child_page_id) entries. Slot 0's key is
// unused by convention; lookups only ever compare keys at index >= 1.
type internalView struct {
	page    *storage.Page
	keySize int
}

func newInternalView(page *storage.Page, keySize int) internalView {
	return internalView{page: page, keySize: keySize}
}

func (v internalView) entryWidth() int { return v.keySize + 4 }

func (v internalView) maxEntries() int {
	return (storage.ContentSize - nodeHeaderSize) / v.entryWidth()
}

func (v internalView) init(maxSize int32, parentID storage.PageID) {
	storeHeader(v.page.Data, nodeHeader{
		PageType:     PageTypeInternal,
		Size:         0,
		MaxSize:      maxSize,
		ParentPageID: parentID,
		PageID:       v.page.ID,
	})
}

func (v internalView) header() nodeHeader { return loadHeader(v.page.Data) }

func (v internalView) pageType() PageType { return v.header().PageType }

func (v internalView) size() int32 { return v.header().Size }

func (v internalView) maxSize() int32 { return v.header().MaxSize }

func (v internalView) parentPageID() storage.PageID { return v.header().ParentPageID }

func (v internalView) setParentPageID(id storage.PageID) {
	h := v.header()
	h.ParentPageID = id
	storeHeader(v.page.Data, h)
}

func (v internalView) setSize(n int32) {
	h := v.header()
	h.Size = n
	storeHeader(v.page.Data, h)
}

func (v internalView) entryOffset(i int) int {
	return nodeHeaderSize + i*v.entryWidth()
}

func (v internalView) keyAt(i int) []byte {
	off := v.entryOffset(i)
	return v.page.Data[off : off+v.keySize]
}

func (v internalView) childAt(i int) storage.PageID {
	off := v.entryOffset(i) + v.keySize
	return storage.PageID(int32(binary.LittleEndian.Uint32(v.page.Data[off : off+4])))
}

func (v internalView) setEntry(i int, key []byte, child storage.PageID) {
	off := v.entryOffset(i)
	copy(v.page.Data[off:off+v.keySize], key)
	binary.LittleEndian.PutUint32(v.page.Data[off+v.keySize:off+v.keySize+4], uint32(child))
}

// setFirstChild writes only the child pointer of slot 0, leaving its key (unused
// by convention) untouched.
func (v internalView) setFirstChild(child storage.PageID) {
	off := v.entryOffset(0) + v.keySize
	binary.LittleEndian.PutUint32(v.page.Data[off:off+4], uint32(child))
}

// lookup returns the index of the child whose subtree must contain key:
// the largest i such that keyAt(i) <= key, biasing right on ties, with
// index 0 (whose key is the -infinity sentinel) as the floor.
func (v internalView) lookup(key []byte, cmp KeyComparator) int {
	n := int(v.size())
	// sort.Search finds the first index where keyAt(i) > key; the child we
	// want is one before that, clamped to the first real entry.
	idx := sort.Search(n-1, func(i int) bool {
		return cmp(v.keyAt(i+1), key) > 0
	})
	return idx
}

// insertAt shifts entries right to make room at index and writes the new
// (key, child) pair, bumping size.
func (v internalView) insertAt(index int, key []byte, child storage.PageID) {
	n := int(v.size())
	for i := n; i > index; i-- {
		v.setEntry(i, v.keyAt(i-1), v.childAt(i-1))
	}
	v.setEntry(index, key, child)
	v.setSize(int32(n + 1))
}

// removeAt shifts entries left over index, shrinking size.
func (v internalView) removeAt(index int) {
	n := int(v.size())
	for i := index; i < n-1; i++ {
		v.setEntry(i, v.keyAt(i+1), v.childAt(i+1))
	}
	v.setSize(int32(n - 1))
}

// indexOfChild returns the slot holding the given child page id, or -1.
func (v internalView) indexOfChild(id storage.PageID) int {
	n := int(v.size())
	for i := 0; i < n; i++ {
		if v.childAt(i) == id {
			return i
		}
	}
	return -1
}

// moveRightHalfTo transfers the upper half of this node's entries (rounded
// up) into dst, which must be empty. The caller is responsible for
// re-parenting the moved children and for promoting the middle key, since
// the internal-split middle key is popped rather than copied (see insert.go).
func (v internalView) moveRightHalfTo(dst internalView) {
	n := int(v.size())
	splitAt := n / 2
	count := n - splitAt
	for i := 0; i < count; i++ {
		dst.setEntry(i, v.keyAt(splitAt+i), v.childAt(splitAt+i))
	}
	dst.setSize(int32(count))
	v.setSize(int32(splitAt))
}

// moveAllTo appends every entry of v onto the end of dst (used by coalesce).
// Slot 0's key is not meaningful; callers supply the real separator key for
// the first moved entry via setEntry(0, ...) before calling this.
func (v internalView) moveAllTo(dst internalView) {
	base := int(dst.size())
	n := int(v.size())
	for i := 0; i < n; i++ {
		dst.setEntry(base+i, v.keyAt(i), v.childAt(i))
	}
	dst.setSize(int32(base + n))
	v.setSize(0)
}

// appendChild adds one entry at the end of v for a child redistributed in
// from a right sibling. separator is the parent's old separator between v
// and that sibling, which becomes the real key guarding the new entry.
func (v internalView) appendChild(child storage.PageID, separator []byte) {
	n := int(v.size())
	v.setEntry(n, separator, child)
	v.setSize(int32(n + 1))
}

// prependChild adds one entry at the front of v for a child redistributed
// in from a left sibling. separator is the parent's old separator between
// the left sibling and v, which becomes the real key for the entry that
// used to sit at slot 0 (slot 0's key itself stays unused by convention).
func (v internalView) prependChild(child storage.PageID, separator []byte) {
	n := int(v.size())
	for i := n; i >= 1; i-- {
		key := separator
		if i > 1 {
			key = v.keyAt(i - 1)
		}
		v.setEntry(i, key, v.childAt(i-1))
	}
	v.setEntry(0, v.keyAt(0), child)
	v.setSize(int32(n + 1))
}
