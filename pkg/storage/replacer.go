package storage

import (
	"container/list"
	"sync"
)

// frameID indexes a slot in the buffer pool's frame array. The replacer
// only ever tracks frames that are currently unpinned and therefore
// eligible for eviction.
type frameID int

// Replacer selects a victim frame among the currently unpinned frames.
// Implementations are safe for concurrent use.
type Replacer interface {
	// Victim selects and removes an evictable frame, or reports false if
	// none is available.
	Victim() (frameID, bool)
	// Pin removes a frame from eviction candidacy (it is in use again).
	Pin(frameID)
	// Unpin marks a frame as evictable.
	Unpin(frameID)
	// Size reports the number of frames currently evictable.
	Size() int
}

// LRUReplacer is a flat least-recently-used policy built on container/list.
// It is kept as a baseline so tests can compare it against LRUKReplacer.
type LRUReplacer struct {
	mu    sync.Mutex
	list  *list.List
	nodes map[frameID]*list.Element
}

// NewLRUReplacer creates an empty LRU replacer.
func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		list:  list.New(),
		nodes: make(map[frameID]*list.Element),
	}
}

func (r *LRUReplacer) Victim() (frameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	back := r.list.Back()
	if back == nil {
		return 0, false
	}
	id := back.Value.(frameID)
	r.list.Remove(back)
	delete(r.nodes, id)
	return id, true
}

func (r *LRUReplacer) Pin(id frameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.nodes[id]; ok {
		r.list.Remove(elem)
		delete(r.nodes, id)
	}
}

func (r *LRUReplacer) Unpin(id frameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = r.list.PushFront(id)
}

func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Len()
}

// LRUKReplacer implements the LRU-K replacement policy: the victim is the
// evictable frame whose K-th most recent access is furthest in the past
// (an "infinite" backward distance for frames with fewer than K accesses,
// broken by earliest first access among those).
type LRUKReplacer struct {
	mu sync.Mutex
	k  int

	clock      int64 // logical clock; avoids relying on wall time for ordering
	history    map[frameID][]int64
	evictable  map[frameID]bool
}

// NewLRUKReplacer creates a replacer using the K most recent accesses to
// rank victims. k=2 is the conventional default.
func NewLRUKReplacer(k int) *LRUKReplacer {
	if k < 1 {
		k = 2
	}
	return &LRUKReplacer{
		k:         k,
		history:   make(map[frameID][]int64),
		evictable: make(map[frameID]bool),
	}
}

// RecordAccess logs a touch of the frame; call on every fetch, not just on
// unpin, so the K-distance reflects real access recency.
func (r *LRUKReplacer) RecordAccess(id frameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock++
	hist := append(r.history[id], r.clock)
	if len(hist) > r.k {
		hist = hist[len(hist)-r.k:]
	}
	r.history[id] = hist
}

func (r *LRUKReplacer) Victim() (frameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found      bool
		victim     frameID
		worstDist  int64 = -1
		worstFirst int64
	)

	for id, evictable := range r.evictable {
		if !evictable {
			continue
		}
		hist := r.history[id]
		var dist int64
		if len(hist) < r.k {
			dist = int64(^uint64(0) >> 1) // +inf: insufficient history wins first
		} else {
			dist = r.clock - hist[0]
		}
		first := hist[0]
		if !found || dist > worstDist || (dist == worstDist && first < worstFirst) {
			found = true
			victim = id
			worstDist = dist
			worstFirst = first
		}
	}

	if !found {
		return 0, false
	}
	delete(r.evictable, victim)
	delete(r.history, victim)
	return victim, true
}

func (r *LRUKReplacer) Pin(id frameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictable[id] = false
}

func (r *LRUKReplacer) Unpin(id frameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.history[id]; !ok {
		r.clock++
		r.history[id] = []int64{r.clock}
	}
	r.evictable[id] = true
}

func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.evictable {
		if v {
			n++
		}
	}
	return n
}
