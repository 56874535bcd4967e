package bptree

import (
	"encoding/binary"

	"github.com/ondisk/bptreedb/pkg/storage"
)

// PageType tags the polymorphic B+ tree page header so the page-view layer
// can dispatch on the on-disk tag instead of carrying virtual methods across
// a page boundary.
type PageType int32

const (
	PageTypeInvalid PageType = iota
	PageTypeLeaf
	PageTypeInternal
)

// nodeHeaderSize is the 20-byte common header every B+ tree page begins
// with: page_type, size, max_size, parent_page_id, page_id.
const nodeHeaderSize = 20

// nodeHeader is the common prefix of every leaf and internal page.
type nodeHeader struct {
	PageType     PageType
	Size         int32
	MaxSize      int32
	ParentPageID storage.PageID
	PageID       storage.PageID
}

func loadHeader(data []byte) nodeHeader {
	return nodeHeader{
		PageType:     PageType(int32(binary.LittleEndian.Uint32(data[0:4]))),
		Size:         int32(binary.LittleEndian.Uint32(data[4:8])),
		MaxSize:      int32(binary.LittleEndian.Uint32(data[8:12])),
		ParentPageID: storage.PageID(int32(binary.LittleEndian.Uint32(data[12:16]))),
		PageID:       storage.PageID(int32(binary.LittleEndian.Uint32(data[16:20]))),
	}
}

func storeHeader(data []byte, h nodeHeader) {
	binary.LittleEndian.PutUint32(data[0:4], uint32(h.PageType))
	binary.LittleEndian.PutUint32(data[4:8], uint32(h.Size))
	binary.LittleEndian.PutUint32(data[8:12], uint32(h.MaxSize))
	binary.LittleEndian.PutUint32(data[12:16], uint32(h.ParentPageID))
	binary.LittleEndian.PutUint32(data[16:20], uint32(h.PageID))
}
