package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ondisk/bptreedb/pkg/bptree"
	"github.com/ondisk/bptreedb/pkg/rid"
	"github.com/ondisk/bptreedb/pkg/storage"
)

func setupTestServer(t *testing.T) (*Server, *storage.Engine, *bptree.BPlusTree, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "bptreedb-admin-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	engine, err := storage.Open(&storage.Config{DataDir: tmpDir, BufferPoolSize: 50})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open storage engine: %v", err)
	}

	tree, err := bptree.NewBPlusTree("default", engine.Pool(), bptree.DefaultOptions(bptree.Int64KeySize, bptree.Int64Comparator))
	if err != nil {
		engine.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create tree: %v", err)
	}

	config := DefaultConfig()
	config.EnableLogging = false
	srv := New(config, engine, tree, nil)

	cleanup := func() {
		engine.Close()
		os.RemoveAll(tmpDir)
	}

	return srv, engine, tree, cleanup
}

func doRequest(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	rr := doRequest(srv, http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected status=healthy, got %v", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in health response")
	}
}

func TestHandleStats(t *testing.T) {
	srv, _, tree, cleanup := setupTestServer(t)
	defer cleanup()

	if _, err := tree.Insert(bptree.EncodeInt64Key(1), rid.New(1, 0)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	rr := doRequest(srv, http.MethodGet, "/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := resp["engine"]; !ok {
		t.Error("expected engine field in stats response")
	}
	if _, ok := resp["tree"]; !ok {
		t.Error("expected tree field in stats response")
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _, tree, cleanup := setupTestServer(t)
	defer cleanup()

	if _, err := tree.Insert(bptree.EncodeInt64Key(1), rid.New(1, 0)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, _, err := tree.GetValue(bptree.EncodeInt64Key(1)); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	rr := doRequest(srv, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"bptreedb_uptime_seconds",
		"bptreedb_gets_total",
		"bptreedb_buffer_pool_hits_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestHandleSlowOps(t *testing.T) {
	srv, _, tree, cleanup := setupTestServer(t)
	defer cleanup()

	srv.slowOps.SetThreshold(0)

	if _, err := tree.Insert(bptree.EncodeInt64Key(7), rid.New(7, 0)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	rr := doRequest(srv, http.MethodGet, "/slow")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Entries []map[string]any `json:"entries"`
		Summary map[string]any   `json:"summary"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Entries) == 0 {
		t.Fatal("expected at least one slow-op entry after lowering the threshold to 0")
	}
	if resp.Entries[0]["operation"] != "insert" {
		t.Errorf("expected operation=insert, got %v", resp.Entries[0]["operation"])
	}
	if _, ok := resp.Summary["total_entries"]; !ok {
		t.Error("expected total_entries in summary")
	}
}

func TestHandleWatch_StreamsStructuralEvents(t *testing.T) {
	srv, _, tree, cleanup := setupTestServer(t)
	defer cleanup()

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		for i := int64(0); i < 200; i++ {
			if _, err := tree.Insert(bptree.EncodeInt64Key(i), rid.New(int32(i), 0)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	var entry bptree.OpEntry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("failed to read structural event: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}
