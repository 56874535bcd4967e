// Package rid defines the record identifier the B+ tree stores as its leaf
// value. An RID is opaque to the index: it names a tuple in a table heap
// that lives entirely outside this module.
package rid

import "encoding/binary"

// Size is the fixed on-disk width of an encoded RID: a 4-byte page id
// followed by a 4-byte slot number.
const Size = 8

// RID addresses a tuple as (page_id, slot_num). The index never interprets
// these fields; it only stores, compares (for equality), and returns them.
type RID struct {
	PageID  int32
	SlotNum uint32
}

// New builds an RID from a page id and slot number.
func New(pageID int32, slotNum uint32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

// Encode writes the RID's 8-byte wire form into dst, which must be at
// least Size bytes long.
func (r RID) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(r.PageID))
	binary.LittleEndian.PutUint32(dst[4:8], r.SlotNum)
}

// Decode reads an RID from its 8-byte wire form.
func Decode(src []byte) RID {
	return RID{
		PageID:  int32(binary.LittleEndian.Uint32(src[0:4])),
		SlotNum: binary.LittleEndian.Uint32(src[4:8]),
	}
}
