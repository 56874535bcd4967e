package storage

import "testing"

func TestEngineOpenCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.BufferPoolSize = 16

	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	page, err := eng.Pool().NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	copy(page.Data, []byte("durable across reopen"))
	id := page.ID
	if err := eng.Pool().UnpinPage(id, true); err != nil {
		t.Fatalf("UnpinPage: %v", err)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer eng2.Close()

	page2, err := eng2.Pool().FetchPage(id)
	if err != nil {
		t.Fatalf("FetchPage after reopen: %v", err)
	}
	if string(page2.Data[:21]) != "durable across reopen" {
		t.Fatalf("unexpected content after reopen: %q", page2.Data[:21])
	}
}
