package bptree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// OpKind names the structural B+ tree operations an OpLog records. This is
// a diagnostic trace for the admin surface and for tests that assert
// split/merge counts; it is never replayed and is not a recovery log.
type OpKind string

const (
	OpInsert       OpKind = "insert"
	OpRemove       OpKind = "remove"
	OpSplitLeaf    OpKind = "split_leaf"
	OpSplitInner   OpKind = "split_internal"
	OpRedistribute OpKind = "redistribute"
	OpCoalesce     OpKind = "coalesce"
	OpRootDemote   OpKind = "root_demote"
)

// OpEntry is one recorded structural event.
type OpEntry struct {
	Kind OpKind `json:"kind"`
	Key  int64  `json:"key,omitempty"`
}

// OpLog is a bounded in-memory ring of recent structural events. Once full,
// the oldest half is zstd-compressed and handed to the configured sink
// (nil by default, meaning "discard") instead of being dropped silently.
type OpLog struct {
	mu       sync.Mutex
	capacity int
	entries  []OpEntry
	counts   map[OpKind]int
	encoder  *zstd.Encoder
	sink     func(segment []byte)
	watchers map[chan OpEntry]struct{}
}

// NewOpLog returns a ring buffer holding up to capacity entries before
// rotating the oldest half out through sink. A nil sink discards rotated
// segments; callers that don't need the compressed history (most tests)
// can pass nil.
func NewOpLog(capacity int, sink func(segment []byte)) *OpLog {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		// zstd.NewWriter with a nil writer only fails on invalid options;
		// none are set here, so this is unreachable in practice.
		panic(fmt.Sprintf("bptree: zstd encoder init: %v", err))
	}
	return &OpLog{
		capacity: capacity,
		counts:   make(map[OpKind]int),
		encoder:  enc,
		sink:     sink,
		watchers: make(map[chan OpEntry]struct{}),
	}
}

// Subscribe registers a channel to receive every entry recorded from this
// point on. The channel is buffered by the caller; Record never blocks on
// a slow watcher, it drops the entry for that watcher instead. Callers must
// call Unsubscribe when done to avoid leaking the channel's slot.
func (l *OpLog) Subscribe(ch chan OpEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers[ch] = struct{}{}
}

// Unsubscribe removes a channel registered with Subscribe.
func (l *OpLog) Unsubscribe(ch chan OpEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watchers, ch)
}

// Record appends an entry, rotating the oldest half out if the ring is full.
func (l *OpLog) Record(kind OpKind, key int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := OpEntry{Kind: kind, Key: key}
	l.entries = append(l.entries, entry)
	l.counts[kind]++
	for ch := range l.watchers {
		select {
		case ch <- entry:
		default:
		}
	}
	if len(l.entries) < l.capacity {
		return
	}

	rotate := len(l.entries) / 2
	if l.sink != nil {
		if blob, err := json.Marshal(l.entries[:rotate]); err == nil {
			var buf bytes.Buffer
			l.encoder.Reset(&buf)
			_, _ = l.encoder.Write(blob)
			_ = l.encoder.Close()
			l.sink(buf.Bytes())
		}
	}
	l.entries = append([]OpEntry(nil), l.entries[rotate:]...)
}

// Recent returns a copy of the currently-retained entries, oldest first.
func (l *OpLog) Recent() []OpEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OpEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Counts returns a snapshot of per-kind lifetime counters (these survive
// rotation, unlike Recent).
func (l *OpLog) Counts() map[OpKind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[OpKind]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
