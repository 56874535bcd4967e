package bptree

import (
	"encoding/binary"
	"fmt"

	"github.com/ondisk/bptreedb/pkg/storage"
)

// catalog is the decoded form of the well-known header page: a map from
// index name to its root page id, so a tree is re-openable across process
// restarts. On disk it is a flat count-prefixed list of (name, root) pairs;
// the whole catalog is rewritten on every update since it is small and
// updates only happen around root splits and demotions.
type catalog struct {
	roots map[string]storage.PageID
}

func loadCatalog(page *storage.Page) (*catalog, error) {
	c := &catalog{roots: make(map[string]storage.PageID)}
	data := page.Data
	if len(data) < 4 {
		return c, nil
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	offset := 4
	for i := uint32(0); i < count; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("bptree: header page truncated at entry %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+nameLen+4 > len(data) {
			return nil, fmt.Errorf("bptree: header page truncated reading name at entry %d", i)
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen
		root := storage.PageID(int32(binary.LittleEndian.Uint32(data[offset : offset+4])))
		offset += 4
		c.roots[name] = root
	}
	return c, nil
}

func (c *catalog) store(page *storage.Page) error {
	data := page.Data
	offset := 4
	for name := range c.roots {
		need := 2 + len(name) + 4
		if offset+need > len(data) {
			return fmt.Errorf("bptree: catalog too large for header page")
		}
		offset += need
	}
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(c.roots)))
	offset = 4
	for name, root := range c.roots {
		binary.LittleEndian.PutUint16(data[offset:offset+2], uint16(len(name)))
		offset += 2
		copy(data[offset:offset+len(name)], name)
		offset += len(name)
		binary.LittleEndian.PutUint32(data[offset:offset+4], uint32(root))
		offset += 4
	}
	page.MarkDirty()
	return nil
}
