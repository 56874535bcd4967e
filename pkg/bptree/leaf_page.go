package bptree

import (
	"encoding/binary"
	"sort"

	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

// leafHeaderSize is nodeHeaderSize plus the 4-byte next_page_id pointer
// that chains leaves left to right for range scans.
const leafHeaderSize = nodeHeaderSize + 4

// leafView interprets a storage.Page's content bytes as a leaf node: an
// ascending array of (key, rid) entries plus a sibling pointer. It holds no
// state of its own beyond the keySize needed to stride the entry array; the
// page bytes are the only source of truth.
type leafView struct {
	page    *storage.Page
	keySize int
}

func newLeafView(page *storage.Page, keySize int) leafView {
	return leafView{page: page, keySize: keySize}
}

func (v leafView) entryWidth() int { return v.keySize + rid.Size }

func (v leafView) maxEntries() int {
	return (storage.ContentSize - leafHeaderSize) / v.entryWidth()
}

// init formats a fresh page as an empty leaf.
func (v leafView) init(maxSize int32, parentID storage.PageID) {
	storeHeader(v.page.Data, nodeHeader{
		PageType:     PageTypeLeaf,
		Size:         0,
		MaxSize:      maxSize,
		ParentPageID: parentID,
		PageID:       v.page.ID,
	})
	v.setNextPageID(storage.InvalidPageID)
}

func (v leafView) header() nodeHeader { return loadHeader(v.page.Data) }

func (v leafView) pageType() PageType { return v.header().PageType }

func (v leafView) size() int32 { return v.header().Size }

func (v leafView) maxSize() int32 { return v.header().MaxSize }

func (v leafView) parentPageID() storage.PageID { return v.header().ParentPageID }

func (v leafView) setParentPageID(id storage.PageID) {
	h := v.header()
	h.ParentPageID = id
	storeHeader(v.page.Data, h)
}

func (v leafView) setSize(n int32) {
	h := v.header()
	h.Size = n
	storeHeader(v.page.Data, h)
}

func (v leafView) nextPageID() storage.PageID {
	return storage.PageID(int32(binary.LittleEndian.Uint32(v.page.Data[nodeHeaderSize : nodeHeaderSize+4])))
}

func (v leafView) setNextPageID(id storage.PageID) {
	binary.LittleEndian.PutUint32(v.page.Data[nodeHeaderSize:nodeHeaderSize+4], uint32(id))
}

func (v leafView) entryOffset(i int) int {
	return leafHeaderSize + i*v.entryWidth()
}

func (v leafView) keyAt(i int) []byte {
	off := v.entryOffset(i)
	return v.page.Data[off : off+v.keySize]
}

func (v leafView) ridAt(i int) rid.RID {
	off := v.entryOffset(i) + v.keySize
	return rid.Decode(v.page.Data[off : off+rid.Size])
}

func (v leafView) setEntry(i int, key []byte, value rid.RID) {
	off := v.entryOffset(i)
	copy(v.page.Data[off:off+v.keySize], key)
	value.Encode(v.page.Data[off+v.keySize : off+v.keySize+rid.Size])
}

// find returns the index of key if present, and the insertion index that
// keeps the entries sorted otherwise ascending order maintained throughout.
func (v leafView) find(key []byte, cmp KeyComparator) (index int, found bool) {
	n := int(v.size())
	idx := sort.Search(n, func(i int) bool {
		return cmp(v.keyAt(i), key) >= 0
	})
	if idx < n && cmp(v.keyAt(idx), key) == 0 {
		return idx, true
	}
	return idx, false
}

// insertAt shifts entries right to make room at index and writes the new
// entry, bumping size. Caller must ensure size < maxEntries() capacity.
func (v leafView) insertAt(index int, key []byte, value rid.RID) {
	n := int(v.size())
	for i := n; i > index; i-- {
		v.setEntry(i, v.keyAt(i-1), v.ridAt(i-1))
	}
	v.setEntry(index, key, value)
	v.setSize(int32(n + 1))
}

// removeAt shifts entries left over index, shrinking size.
func (v leafView) removeAt(index int) {
	n := int(v.size())
	for i := index; i < n-1; i++ {
		v.setEntry(i, v.keyAt(i+1), v.ridAt(i+1))
	}
	v.setSize(int32(n - 1))
}

// moveRightHalfTo transfers the upper half of this leaf's entries (rounded
// up) into dst, which must be empty, and relinks the leaf chain.
func (v leafView) moveRightHalfTo(dst leafView) {
	n := int(v.size())
	splitAt := n / 2
	count := n - splitAt
	for i := 0; i < count; i++ {
		dst.setEntry(i, v.keyAt(splitAt+i), v.ridAt(splitAt+i))
	}
	dst.setSize(int32(count))
	v.setSize(int32(splitAt))

	dst.setNextPageID(v.nextPageID())
	v.setNextPageID(dst.page.ID)
}

// moveAllTo appends every entry of v onto the end of dst (used by coalesce).
func (v leafView) moveAllTo(dst leafView) {
	base := int(dst.size())
	n := int(v.size())
	for i := 0; i < n; i++ {
		dst.setEntry(base+i, v.keyAt(i), v.ridAt(i))
	}
	dst.setSize(int32(base + n))
	dst.setNextPageID(v.nextPageID())
	v.setSize(0)
}

// borrowFirstFrom moves the first entry of src onto the end of v (used when
// redistributing from a right sibling).
func (v leafView) borrowFirstFrom(src leafView) {
	v.insertAt(int(v.size()), src.keyAt(0), src.ridAt(0))
	src.removeAt(0)
}

// borrowLastFrom moves the last entry of src onto the front of v (used when
// redistributing from a left sibling).
func (v leafView) borrowLastFrom(src leafView) {
	last := int(src.size()) - 1
	v.insertAt(0, src.keyAt(last), src.ridAt(last))
	src.removeAt(last)
}
