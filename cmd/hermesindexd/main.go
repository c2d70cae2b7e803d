// Command hermesindexd is the HermesIndex daemon: it loads a config
// file, wires the state store, vector store, embedding client, sync
// pipeline, enrichment worker, search orchestrator, and HTTP surface,
// then runs until signaled. Wiring order and the shared-context
// shutdown pattern follow the same shape as this corpus's own database
// server binary.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/embedclient"
	"github.com/hermesindex/hermesindex/pkg/enrich"
	"github.com/hermesindex/hermesindex/pkg/expand"
	"github.com/hermesindex/hermesindex/pkg/httpapi"
	"github.com/hermesindex/hermesindex/pkg/orchestrator"
	"github.com/hermesindex/hermesindex/pkg/reader"
	"github.com/hermesindex/hermesindex/pkg/statestore"
	hsync "github.com/hermesindex/hermesindex/pkg/sync"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
	"github.com/hermesindex/hermesindex/pkg/vectorstore/hnsw"
	"github.com/hermesindex/hermesindex/pkg/vectorstore/remote"
)

func main() {
	configPath := flag.String("config", "hermesindex.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("hermesindexd: %v", err)
	}
}

func run(configPath string) error {
	cfg, registry, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	upstream, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open upstream postgres: %w", err)
	}
	defer upstream.Close()
	if err := upstream.Ping(); err != nil {
		return fmt.Errorf("ping upstream postgres: %w", err)
	}

	state, closeState, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer closeState()

	store, closeStore, err := openVectorStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	remoteEmbedder := embedclient.New(embedclient.Config{
		URL:            cfg.Embedding.URL,
		Model:          cfg.Embedding.Model,
		Dim:            cfg.Embedding.Dim,
		Timeout:        cfg.Embedding.Timeout(),
		QueryPrefix:    cfg.Embedding.QueryPrefix,
		DocumentPrefix: cfg.Embedding.DocumentPrefix,
		MaxBatch:       cfg.Embedding.MaxBatch,
		MaxInFlight:    cfg.Embedding.MaxInFlight,
		QueueDepth:     cfg.Embedding.QueueDepth,
	})
	expectedVersion := reader.EmbeddingVersion(cfg.Embedding.Model, cfg.Embedding.Dim)
	versionedRemote := remoteEmbedder.Versioned(expectedVersion)

	failover := &embedclient.Failover{Remote: versionedRemote}
	if cfg.Embedding.LocalModelPath != "" {
		local, err := newLocalFallback(cfg.Embedding.LocalModelPath)
		if err != nil {
			log.Printf("⚠️  local embedding fallback disabled: %v", err)
		} else {
			failover.Local = local
			log.Printf("✓ local embedding fallback loaded from %s", cfg.Embedding.LocalModelPath)
		}
	}

	readers := make(map[string]*reader.Reader, len(registry.Names()))
	for _, source := range registry.All() {
		readers[source.Name] = reader.New(upstream, cfg.Bitmagnet.Schema, source)
	}

	workers := make([]*hsync.SourceWorker, 0, len(registry.Names()))
	for _, source := range registry.All() {
		workers = append(workers, hsync.NewSourceWorker(
			source, readers[source.Name], hsync.NewEmbedder(failover), expectedVersion, remoteEmbedder, store, state,
		))
	}
	pipeline := hsync.NewPipeline(workers, 30*time.Second, cfg.Sync.CompactionCron)

	expander := expand.New(upstream, cfg.Bitmagnet.Schema)
	orch := orchestrator.New(orchestrator.FailoverEmbedder{Failover: failover}, store, expander, registry, readers, cfg.Embedding.QueryPrefix, cfg.TMDB.QueryExpandTimeout()).
		WithFetchKCeiling(cfg.Search.FetchK)

	var enrichWorker *enrich.Worker
	if hasTMDBEnrichSource(registry) {
		if cfg.TMDB.BaseURL == "" {
			log.Printf("⚠️  sources request tmdb enrichment but tmdb.base_url is unset; enrichment disabled")
		} else {
			tmdbClient := enrich.NewHTTPClient(cfg.TMDB.BaseURL, cfg.TMDB.APIKey, 10*time.Second, cfg.TMDB.RatePerSecond, cfg.TMDB.Burst)
			enrichWorker = enrich.NewWorker(upstream, cfg.Bitmagnet.Schema, tmdbClient, cfg.TMDB, registry)
			log.Printf("✓ tmdb enrichment worker wired (rate=%.1f/s burst=%d)", cfg.TMDB.RatePerSecond, cfg.TMDB.Burst)
		}
	}

	var auth httpapi.Authenticator = httpapi.NoAuth{}
	if !cfg.Auth.Enabled {
		log.Println("⚠️  Authentication disabled")
	}
	server := httpapi.New(cfg.HTTP, auth, orch, state, store, registry, pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline.Start(ctx)
	if enrichWorker != nil && cfg.TMDB.AutoEnrich {
		go enrichWorker.Run(ctx)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start http surface: %w", err)
	}

	log.Printf("[hermesindexd] serving on %s", server.Addr())
	<-ctx.Done()
	log.Printf("[hermesindexd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("[hermesindexd] http shutdown: %v", err)
	}
	pipeline.Stop()
	pipeline.Wait()
	return nil
}

// stateStore is the full surface main needs from the state store: the
// sync pipeline's diff/commit API plus the aggregate counts GET /status
// reports. Both *statestore.Store and *statestore.CachedStore satisfy it.
type stateStore interface {
	hsync.StateStore
	httpapi.StateStats
}

func hasTMDBEnrichSource(registry *config.Registry) bool {
	for _, s := range registry.All() {
		if s.TMDBEnrich {
			return true
		}
	}
	return false
}

func openStateStore(cfg *config.Config) (stateStore, func(), error) {
	if cfg.State.CacheEnabled {
		cached, err := statestore.OpenCached(cfg.Postgres.DSN, cfg.Bitmagnet.Schema, cfg.State.CachePath, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open cached state store: %w", err)
		}
		return cached, func() { cached.Close() }, nil
	}
	plain, err := statestore.Open(cfg.Postgres.DSN, cfg.Bitmagnet.Schema)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	return plain, func() { plain.Close() }, nil
}

func openVectorStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, func(), error) {
	switch cfg.VectorStore.Type {
	case config.VectorStoreHNSW:
		store, err := hnsw.Open(cfg.VectorStore.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open hnsw store: %w", err)
		}
		if err := store.Ensure(ctx, cfg.VectorStore.Dim, vectorstore.MetricCosine); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure hnsw store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case config.VectorStoreRemote:
		store, err := remote.Dial(ctx, cfg.VectorStore.URL, cfg.VectorStore.Collection, cfg.VectorStore.Timeout())
		if err != nil {
			return nil, nil, fmt.Errorf("dial remote vector store: %w", err)
		}
		if err := store.Ensure(ctx, cfg.VectorStore.Dim, vectorstore.MetricCosine); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure remote collection: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector_store.type %q", cfg.VectorStore.Type)
	}
}
