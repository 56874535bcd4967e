// Package admin exposes an HTTP surface for inspecting a running tree: a
// JSON stats dump, a Prometheus-text metrics endpoint, and a websocket feed
// of structural events as they happen. It has no authority over the tree
// itself — every handler only reads.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ondisk/bptreedb/pkg/bptree"
	"github.com/ondisk/bptreedb/pkg/metrics"
	"github.com/ondisk/bptreedb/pkg/storage"
)

// diskTrackable is implemented by *storage.Engine.
type diskTrackable interface {
	Disk() *storage.DiskManager
}

// poolTrackable is implemented by *storage.Engine.
type poolTrackable interface {
	Pool() *storage.BufferPoolManager
}

// slowOpLogAdapter lets *metrics.SlowOperationLog satisfy bptree.SlowOpSink
// without the bptree package needing to import metrics.
type slowOpLogAdapter struct {
	log *metrics.SlowOperationLog
}

func (a slowOpLogAdapter) LogOperation(entry bptree.SlowOpEntry) {
	errMsg := ""
	if entry.Err != nil {
		errMsg = entry.Err.Error()
	}
	a.log.LogOperation(metrics.SlowOperationEntry{
		Duration:  entry.Duration,
		Operation: entry.Operation,
		Key:       entry.Key,
		Success:   entry.Success,
		Error:     errMsg,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatsSource is anything that can describe its own state as a JSON-able
// map, satisfied by *storage.Engine and *bptree.BPlusTree.
type StatsSource interface {
	Stats() map[string]any
}

// Server is a small read-only HTTP surface over a tree and its backing
// engine, built for operators rather than application clients.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	startTime time.Time

	engine StatsSource
	tree   *bptree.BPlusTree

	collector       *metrics.MetricsCollector
	resourceTracker *metrics.ResourceTracker
	promExporter    *metrics.PrometheusExporter
	slowOps         *metrics.SlowOperationLog

	opCountsMu   sync.Mutex
	lastOpCounts map[bptree.OpKind]int
}

// New builds a server over engine (for buffer pool / disk stats) and tree
// (for structural stats and the op log feed). collector may be nil, in
// which case the server creates its own and wires it to the tree and pool.
func New(config *Config, engine StatsSource, tree *bptree.BPlusTree, collector *metrics.MetricsCollector) *Server {
	if collector == nil {
		collector = metrics.NewMetricsCollector()
	}
	tracker := metrics.NewResourceTracker(nil)
	// Config has no LogFilePath, so this never fails; the error return
	// exists for the file-backed case other callers may choose.
	slowOps, _ := metrics.NewSlowOperationLog(nil)

	s := &Server{
		config:          config,
		router:          chi.NewRouter(),
		startTime:       time.Now(),
		engine:          engine,
		tree:            tree,
		collector:       collector,
		resourceTracker: tracker,
		promExporter:    metrics.NewPrometheusExporter(collector, tracker),
		slowOps:         slowOps,
	}

	if dt, ok := engine.(diskTrackable); ok {
		dt.Disk().SetIOTracker(tracker)
	}
	if pt, ok := engine.(poolTrackable); ok {
		pt.Pool().SetMetricsSink(collector)
	}
	if tree != nil {
		tree.SetMetricsSink(collector)
		if slowOps != nil {
			tree.SetSlowOpSink(slowOpLogAdapter{log: slowOps})
		}
	}

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if s.config.EnableLogging {
		s.router.Use(middleware.Logger)
	}
	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/watch", s.handleWatch)
	s.router.Get("/slow", s.handleSlowOps)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.config.AllowedOrigins) > 0 {
			origin = s.config.AllowedOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
	if s.engine != nil {
		stats["engine"] = s.engine.Stats()
	}
	if s.tree != nil {
		stats["tree"] = s.tree.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.syncStructuralCounts()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.promExporter.WriteMetrics(w); err != nil {
		http.Error(w, fmt.Sprintf("error writing metrics: %v", err), http.StatusInternalServerError)
	}
}

// handleSlowOps reports the most recent operations that exceeded the slow
// operation threshold, plus a summary. Accepts an optional ?limit= query
// parameter, defaulting to 50.
func (s *Server) handleSlowOps(w http.ResponseWriter, r *http.Request) {
	if s.slowOps == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []metrics.SlowOperationEntry{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.slowOps.GetRecentEntries(limit),
		"summary": s.slowOps.GetStatistics(),
	})
}

// syncStructuralCounts folds the tree's op log lifetime counts into the
// collector's own counters. The op log reports cumulative totals, while the
// collector's RecordStructuralEvents is additive, so only the delta since
// the last sync is recorded.
func (s *Server) syncStructuralCounts() {
	if s.tree == nil || s.tree.OpLog() == nil {
		return
	}
	counts := s.tree.OpLog().Counts()

	s.opCountsMu.Lock()
	defer s.opCountsMu.Unlock()
	if s.lastOpCounts == nil {
		s.lastOpCounts = make(map[bptree.OpKind]int)
	}

	delta := func(kind bptree.OpKind) uint64 {
		d := counts[kind] - s.lastOpCounts[kind]
		if d < 0 {
			d = 0
		}
		return uint64(d)
	}
	s.collector.RecordStructuralEvents(
		delta(bptree.OpSplitLeaf),
		delta(bptree.OpSplitInner),
		delta(bptree.OpRedistribute),
		delta(bptree.OpCoalesce),
		delta(bptree.OpRootDemote),
	)
	for k, v := range counts {
		s.lastOpCounts[k] = v
	}
}

// handleWatch upgrades to a websocket and streams structural events as they
// are recorded, until the client disconnects. Each connection gets its own
// buffered channel registered with the tree's op log; a slow reader drops
// events rather than stalling the writer goroutine that recorded them.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	oplog := s.tree.OpLog()
	if oplog == nil {
		http.Error(w, "op log disabled for this tree", http.StatusNotImplemented)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.collector.RecordConnectionStart()
	defer s.collector.RecordConnectionEnd()

	ch := make(chan bptree.OpEntry, 100)
	oplog.Subscribe(ch)
	defer oplog.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A reader goroutine drains control/close frames so the connection's
	// read deadline logic keeps working; this server has no client->server
	// protocol beyond the initial upgrade.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("admin: error encoding JSON response: %v", err)
	}
}

// Start runs the HTTP server and blocks until it returns an error or the
// context is cancelled, in which case it shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server and the resource tracker.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.resourceTracker.Disable()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// MetricsCollector returns the server's metrics collector so callers can
// record operation timings observed outside the admin surface itself.
func (s *Server) MetricsCollector() *metrics.MetricsCollector {
	return s.collector
}
