package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ondisk/bptreedb/pkg/admin"
	"github.com/ondisk/bptreedb/pkg/bptree"
	"github.com/ondisk/bptreedb/pkg/storage"
)

func main() {
	host := flag.String("host", "localhost", "Admin server host address")
	port := flag.Int("port", 8080, "Admin server port")
	dataDir := flag.String("data-dir", "./data", "Data directory for the backing page file")
	bufferSize := flag.Int("buffer-size", 1000, "Buffer pool size in pages (1 page = 4KB, default 1000 = ~4MB)")
	indexName := flag.String("index", "default", "Name of the index to open or create")
	corsOrigin := flag.String("cors-origin", "*", "CORS allowed origin")
	flag.Parse()

	engine, err := storage.Open(&storage.Config{
		DataDir:        *dataDir,
		BufferPoolSize: *bufferSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	tree, err := bptree.NewBPlusTree(*indexName, engine.Pool(), bptree.DefaultOptions(bptree.Int64KeySize, bptree.Int64Comparator))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open index %q: %v\n", *indexName, err)
		os.Exit(1)
	}

	config := admin.DefaultConfig()
	config.Host = *host
	config.Port = *port
	config.AllowedOrigins = []string{*corsOrigin}

	srv := admin.New(config, engine, tree, nil)

	fmt.Printf("admin server listening on %s:%d (index %q, buffer pool %d pages)\n", *host, *port, *indexName, *bufferSize)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "admin server error: %v\n", err)
		os.Exit(1)
	}
}
