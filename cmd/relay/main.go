package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/config"
	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
	"github.com/Lens-Academy/lens-relay-server/internal/httpapi"
	"github.com/Lens-Academy/lens-relay-server/internal/linkindex"
	"github.com/Lens-Academy/lens-relay-server/internal/search"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("RELAY_CONFIG")), "path to config file (JSON with comments)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	stateBackend, err := docstore.BuildStateBackendFromDSN(cfg.StateBackendDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store := docstore.NewStoreWithOptions(docstore.StoreOptions{
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("store close failed: %v", err)
		}
	}()

	searchIndex, err := openSearchIndex(cfg.SearchIndexPath)
	if err != nil {
		log.Fatalf("failed to open search index: %v", err)
	}
	defer func() {
		if err := searchIndex.Close(); err != nil {
			log.Printf("search index close failed: %v", err)
		}
	}()

	indexer := linkindex.New(store, linkindex.Options{
		Debounce: cfg.Debounce(),
		Logger:   log.Default(),
	})
	indexer.ReindexAll()

	resolver := linkindex.NewResolver(store, cfg.FolderNames)
	resolver.Rebuild()

	searchWorker := search.NewWorker(store, searchIndex, resolver, search.WorkerOptions{
		Debounce: cfg.Debounce(),
		Logger:   log.Default(),
	})
	searchWorker.SeedAll()

	server := httpapi.NewServerWithConfig(store, resolver, searchIndex, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow(),
		MaxBodyBytes:    cfg.MaxBodyBytes,
		EventFeedLimit:  cfg.EventFeedLimit,
	})
	server.SetIndexer(indexer)

	store.Subscribe(linkindex.Origin, func(ev docstore.Event) {
		indexer.OnDocumentUpdate(ev.DocID)
	})
	store.Subscribe(search.Origin, func(ev docstore.Event) {
		searchWorker.OnDocumentUpdate(ev.DocID)
	})
	// Folder listing changes also move documents between display paths.
	// UpdateFolder is a no-op for content docs and drops stale entries
	// when a folder is emptied, so no pre-filtering here.
	store.Subscribe("path-resolver", func(ev docstore.Event) {
		resolver.UpdateFolder(ev.DocID)
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := indexer.RunWorker(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("CRITICAL: backlink index worker stopped: %v", err)
			server.SetWorkerFailure(err)
		}
	}()
	go func() {
		if err := searchWorker.RunWorker(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("CRITICAL: search index worker stopped: %v", err)
			server.SetWorkerFailure(err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	}()

	log.Printf("relay server listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("relay server stopped")
}

func openSearchIndex(path string) (*search.Index, error) {
	if strings.TrimSpace(path) == "" {
		return search.OpenInMemory()
	}
	return search.Open(path)
}
