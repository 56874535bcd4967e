package bptree

import "github.com/ondisk/bptreedb/pkg/storage"

// LatchMode distinguishes the read and write latch-crabbing disciplines.
type LatchMode int

const (
	LatchRead LatchMode = iota
	LatchWrite
)

type ancestorEntry struct {
	page *storage.Page
	mode LatchMode
}

// AncestorLatchSet is the ordered page set a crabbing descent accumulates:
// every page currently pinned and latched on the path from the root, plus
// the set of pages logically unlinked from the tree and awaiting deletion
// once their latches release. It is per-operation and single-threaded; it
// is not a database transaction.
type AncestorLatchSet struct {
	entries []ancestorEntry
	deleted []storage.PageID
}

// NewAncestorLatchSet returns an empty latch set ready for a descent.
func NewAncestorLatchSet() *AncestorLatchSet {
	return &AncestorLatchSet{}
}

// Push records a page latched (in the given mode) and pinned as part of
// the current descent.
func (s *AncestorLatchSet) Push(page *storage.Page, mode LatchMode) {
	s.entries = append(s.entries, ancestorEntry{page: page, mode: mode})
}

// Len reports how many ancestors are currently held.
func (s *AncestorLatchSet) Len() int { return len(s.entries) }

// Pages returns the pages currently held, root-to-leaf, so structural
// propagation can walk back up through whichever ancestors crabbing left
// latched (everything from the nearest unsafe ancestor down).
func (s *AncestorLatchSet) Pages() []*storage.Page {
	out := make([]*storage.Page, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.page
	}
	return out
}

// MarkDeleted queues a page id for DeletePage once all latches in this
// descent have released (coalesce removes the right sibling but the page
// itself must outlive the latches still referencing it during unwind).
func (s *AncestorLatchSet) MarkDeleted(id storage.PageID) {
	s.deleted = append(s.deleted, id)
}

// ReleaseAll unlatches and unpins every held ancestor in reverse
// (leaf-to-root) order, then returns the page ids queued for deletion by
// MarkDeleted so the caller can retire them via the buffer pool once no
// latch references them.
func (s *AncestorLatchSet) ReleaseAll(pool *storage.BufferPoolManager, dirty bool) []storage.PageID {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.mode == LatchWrite {
			e.page.WUnlatch()
		} else {
			e.page.RUnlatch()
		}
		pool.UnpinPage(e.page.ID, dirty)
	}
	s.entries = nil
	deleted := s.deleted
	s.deleted = nil
	return deleted
}

// ReleaseAncestorsOf unlatches and unpins every entry above the most
// recently pushed one (i.e. everything except the last, which the caller
// keeps latched) — the "release all ancestors, keep the safe node" step of
// crabbing. Safe to call with zero or one entries held.
func (s *AncestorLatchSet) ReleaseAncestorsOf(pool *storage.BufferPoolManager) {
	if len(s.entries) <= 1 {
		return
	}
	keep := s.entries[len(s.entries)-1]
	for i := len(s.entries) - 2; i >= 0; i-- {
		e := s.entries[i]
		if e.mode == LatchWrite {
			e.page.WUnlatch()
		} else {
			e.page.RUnlatch()
		}
		// These ancestors are released because the safety check found a
		// descendant that can absorb the insert or delete without
		// propagating further, so nothing above it was mutated here.
		pool.UnpinPage(e.page.ID, false)
	}
	s.entries = []ancestorEntry{keep}
}
