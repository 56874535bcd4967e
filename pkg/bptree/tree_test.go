package bptree

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

func newTestTree(t *testing.T, poolCapacity int) *BPlusTree {
	t.Helper()
	dir := t.TempDir()
	dm, err := storage.NewDiskManager(filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("NewDiskManager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	pool := storage.NewBufferPoolManager(poolCapacity, dm)

	tree, err := NewBPlusTree("t", pool, DefaultOptions(Int64KeySize, Int64Comparator))
	if err != nil {
		t.Fatalf("NewBPlusTree: %v", err)
	}
	return tree
}

func key(v int64) []byte { return EncodeInt64Key(v) }

func TestInsertAndScanSequential(t *testing.T) {
	tree := newTestTree(t, 1000)

	for i := int64(1); i < 100; i++ {
		added, err := tree.Insert(key(i), rid.New(int32(i), 0))
		if err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		if !added {
			t.Fatalf("Insert(%d): expected true, got false", i)
		}
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer it.Close()

	for want := int64(1); want < 100; want++ {
		if it.IsEnd() {
			t.Fatalf("iterator ended early, expected key %d", want)
		}
		got := DecodeInt64Key(it.Key())
		if got != want {
			t.Fatalf("expected key %d, got %d", want, got)
		}
		if it.Value().PageID != int32(want) {
			t.Fatalf("expected rid page %d, got %d", want, it.Value().PageID)
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if !it.IsEnd() {
		t.Fatal("expected iterator to be exhausted after 99 keys")
	}
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	tree := newTestTree(t, 1000)

	added, err := tree.Insert(key(42), rid.New(1, 0))
	if err != nil || !added {
		t.Fatalf("first insert: added=%v err=%v", added, err)
	}

	added, err = tree.Insert(key(42), rid.New(2, 0))
	if err != nil {
		t.Fatalf("second insert: unexpected error: %v", err)
	}
	if added {
		t.Fatal("expected duplicate key insert to be rejected")
	}

	value, found, err := tree.GetValue(key(42))
	if err != nil || !found {
		t.Fatalf("GetValue(42): found=%v err=%v", found, err)
	}
	if value.PageID != 1 {
		t.Fatalf("expected original value to survive duplicate insert, got page %d", value.PageID)
	}
}

func TestParallelInsertLargeKeyspace(t *testing.T) {
	tree := newTestTree(t, 500)

	const n = 9999
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			if _, err := tree.Insert(key(k), rid.New(int32(k), 0)); err != nil {
				errs <- fmt.Errorf("insert %d: %w", k, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer it.Close()

	count := 0
	var prev int64 = -1
	for !it.IsEnd() {
		k := DecodeInt64Key(it.Key())
		if k <= prev {
			t.Fatalf("keys not strictly increasing: %d after %d", k, prev)
		}
		prev = k
		count++
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != n {
		t.Fatalf("expected %d keys, scanned %d", n, count)
	}
}

func TestDeleteDownToEmpty(t *testing.T) {
	tree := newTestTree(t, 10)

	keys := []int64{1, 4, 3, 2, 5, 6}
	for _, k := range keys {
		if _, err := tree.Insert(key(k), rid.New(int32(k), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	for _, k := range keys {
		if err := tree.Remove(key(k)); err != nil {
			t.Fatalf("Remove(%d): %v", k, err)
		}
		if _, found, err := tree.GetValue(key(k)); err != nil || found {
			t.Fatalf("GetValue(%d) after remove: found=%v err=%v", k, found, err)
		}
	}

	if tree.RootPageID() != storage.InvalidPageID {
		t.Fatalf("expected empty tree to have no root, got %d", tree.RootPageID())
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin on empty tree: %v", err)
	}
	if !it.IsEnd() {
		t.Fatal("expected empty tree's iterator to be immediately exhausted")
	}
}

func TestMixedInsertDeleteUnderSmallBufferPool(t *testing.T) {
	tree := newTestTree(t, 5)

	const n = 500
	for i := int64(0); i < n; i++ {
		if _, err := tree.Insert(key(i), rid.New(int32(i), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := int64(0); i < n; i += 2 {
		if err := tree.Remove(key(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	for i := int64(0); i < n; i++ {
		_, found, err := tree.GetValue(key(i))
		if err != nil {
			t.Fatalf("GetValue(%d): %v", i, err)
		}
		wantFound := i%2 != 0
		if found != wantFound {
			t.Fatalf("GetValue(%d): found=%v, want %v", i, found, wantFound)
		}
	}
}

func TestParallelDeleteLargeKeyspace(t *testing.T) {
	tree := newTestTree(t, 500)

	const n = 9999
	for i := int64(1); i <= n; i++ {
		if _, err := tree.Insert(key(i), rid.New(int32(i), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			if err := tree.Remove(key(k)); err != nil {
				errs <- fmt.Errorf("remove %d: %w", k, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := int64(1); i <= n; i++ {
		if _, found, err := tree.GetValue(key(i)); err != nil || found {
			t.Fatalf("GetValue(%d) after concurrent remove: found=%v err=%v", i, found, err)
		}
	}

	if tree.RootPageID() != storage.InvalidPageID {
		t.Fatalf("expected empty tree to have no root, got %d", tree.RootPageID())
	}
}

func TestConcurrentInsertAndDelete(t *testing.T) {
	tree := newTestTree(t, 200)

	const n = 4000
	// Seed the lower half, which every goroutine below races to delete
	// while the upper half is concurrently inserted, so the tree is
	// splitting, redistributing and coalescing at the same time.
	for i := int64(0); i < n/2; i++ {
		if _, err := tree.Insert(key(i), rid.New(int32(i), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := int64(0); i < n/2; i++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			if err := tree.Remove(key(k)); err != nil {
				errs <- fmt.Errorf("remove %d: %w", k, err)
			}
		}(i)
	}
	for i := int64(n / 2); i < n; i++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			if _, err := tree.Insert(key(k), rid.New(int32(k), 0)); err != nil {
				errs <- fmt.Errorf("insert %d: %w", k, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := int64(0); i < n/2; i++ {
		if _, found, err := tree.GetValue(key(i)); err != nil || found {
			t.Fatalf("GetValue(%d) after concurrent remove: found=%v err=%v", i, found, err)
		}
	}
	for i := int64(n / 2); i < n; i++ {
		if _, found, err := tree.GetValue(key(i)); err != nil || !found {
			t.Fatalf("GetValue(%d) after concurrent insert: found=%v err=%v", i, found, err)
		}
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer it.Close()

	count := 0
	var prev int64 = -1
	for !it.IsEnd() {
		k := DecodeInt64Key(it.Key())
		if k <= prev {
			t.Fatalf("keys not strictly increasing: %d after %d", k, prev)
		}
		if k < n/2 {
			t.Fatalf("found deleted key %d still in tree", k)
		}
		prev = k
		count++
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != n/2 {
		t.Fatalf("expected %d surviving keys, scanned %d", n/2, count)
	}
}

func TestScaleInsertAndRemoveSubrange(t *testing.T) {
	tree := newTestTree(t, 200)

	const n = 5000
	for i := int64(1); i <= n; i++ {
		if _, err := tree.Insert(key(i), rid.New(int32(i), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := int64(1); i <= 1000; i++ {
		if err := tree.Remove(key(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	for i := int64(1); i <= 1000; i++ {
		if _, found, err := tree.GetValue(key(i)); err != nil || found {
			t.Fatalf("GetValue(%d) after remove: found=%v err=%v", i, found, err)
		}
	}

	it, err := tree.BeginAt(key(1001))
	if err != nil {
		t.Fatalf("BeginAt: %v", err)
	}
	defer it.Close()

	for want := int64(1001); want <= n; want++ {
		if it.IsEnd() {
			t.Fatalf("iterator ended early, expected key %d", want)
		}
		if got := DecodeInt64Key(it.Key()); got != want {
			t.Fatalf("expected key %d, got %d", want, got)
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if !it.IsEnd() {
		t.Fatal("expected iterator exhausted at end of range")
	}
}

func TestRootPageIDSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dm, err := storage.NewDiskManager(filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("NewDiskManager: %v", err)
	}
	pool := storage.NewBufferPoolManager(100, dm)

	tree, err := NewBPlusTree("reopen", pool, DefaultOptions(Int64KeySize, Int64Comparator))
	if err != nil {
		t.Fatalf("NewBPlusTree: %v", err)
	}
	for i := int64(1); i <= 50; i++ {
		if _, err := tree.Insert(key(i), rid.New(int32(i), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	root := tree.RootPageID()
	if err := pool.FlushAllPages(); err != nil {
		t.Fatalf("FlushAllPages: %v", err)
	}
	dm.Close()

	dm2, err := storage.NewDiskManager(filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("reopen NewDiskManager: %v", err)
	}
	defer dm2.Close()
	pool2 := storage.NewBufferPoolManager(100, dm2)

	tree2, err := NewBPlusTree("reopen", pool2, DefaultOptions(Int64KeySize, Int64Comparator))
	if err != nil {
		t.Fatalf("reopen NewBPlusTree: %v", err)
	}
	if tree2.RootPageID() != root {
		t.Fatalf("expected root %d after reopen, got %d", root, tree2.RootPageID())
	}
	for i := int64(1); i <= 50; i++ {
		if _, found, err := tree2.GetValue(key(i)); err != nil || !found {
			t.Fatalf("GetValue(%d) after reopen: found=%v err=%v", i, found, err)
		}
	}
}

func TestOpLogRecordsStructuralEvents(t *testing.T) {
	tree := newTestTree(t, 1000)

	for i := int64(1); i <= 500; i++ {
		if _, err := tree.Insert(key(i), rid.New(int32(i), 0)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	counts := tree.OpLog().Counts()
	if counts[OpSplitLeaf] == 0 {
		t.Error("expected at least one leaf split recorded")
	}
	if counts[OpInsert] != 500 {
		t.Errorf("expected 500 inserts recorded, got %d", counts[OpInsert])
	}
}

func TestOpLogSubscribeReceivesEntries(t *testing.T) {
	tree := newTestTree(t, 1000)

	ch := make(chan OpEntry, 10)
	tree.OpLog().Subscribe(ch)
	defer tree.OpLog().Unsubscribe(ch)

	if _, err := tree.Insert(key(1), rid.New(1, 0)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case entry := <-ch:
		if entry.Kind != OpInsert || entry.Key != 1 {
			t.Fatalf("unexpected entry: %+v", entry)
		}
	default:
		t.Fatal("expected an entry to be delivered to the subscriber")
	}
}

type fakeMetricsSink struct {
	mu      sync.Mutex
	gets    int
	inserts int
	removes int
	scans   int
}

func (f *fakeMetricsSink) RecordGet(_ time.Duration, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
}
func (f *fakeMetricsSink) RecordInsert(_ time.Duration, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
}
func (f *fakeMetricsSink) RecordRemove(_ time.Duration, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
}
func (f *fakeMetricsSink) RecordScan(_ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
}

func TestMetricsSinkReceivesOperationCounts(t *testing.T) {
	tree := newTestTree(t, 1000)
	sink := &fakeMetricsSink{}
	tree.SetMetricsSink(sink)

	if _, err := tree.Insert(key(1), rid.New(1, 0)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, _, err := tree.GetValue(key(1)); err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if err := tree.Remove(key(1)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := tree.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.inserts != 1 || sink.gets != 1 || sink.removes != 1 || sink.scans != 1 {
		t.Fatalf("expected one of each operation recorded, got %+v", sink)
	}
}
