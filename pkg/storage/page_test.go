package storage

import "testing"

func TestPagePinUnpin(t *testing.T) {
	p := NewPage(3)
	if p.IsPinned() {
		t.Fatal("new page should not be pinned")
	}

	p.Pin()
	p.Pin()
	if p.PinCount() != 2 {
		t.Fatalf("expected pin count 2, got %d", p.PinCount())
	}

	p.Unpin()
	if !p.IsPinned() {
		t.Fatal("expected page still pinned after one unpin")
	}

	p.Unpin()
	if p.IsPinned() {
		t.Fatal("expected page unpinned")
	}

	// Unpin below zero must not underflow.
	p.Unpin()
	if p.PinCount() != 0 {
		t.Fatalf("expected pin count clamped at 0, got %d", p.PinCount())
	}
}

func TestPageDirty(t *testing.T) {
	p := NewPage(1)
	if p.IsDirty {
		t.Fatal("new page should not be dirty")
	}
	p.MarkDirty()
	if !p.IsDirty {
		t.Fatal("expected page dirty after MarkDirty")
	}
}

func TestPageContentSize(t *testing.T) {
	p := NewPage(0)
	if len(p.Data) != ContentSize {
		t.Fatalf("expected content size %d, got %d", ContentSize, len(p.Data))
	}
}
