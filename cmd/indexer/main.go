package main

import (
	"context"
	"errors"
	"log"
	"time"

	"govdoc-chat/internal/chunker"
	"govdoc-chat/internal/config"
	"govdoc-chat/internal/loader"
	esClient "govdoc-chat/internal/platform/elasticsearch"
	"govdoc-chat/internal/search"
)

// The indexer rebuilds the search index from the corpus file: load, chunk,
// ensure the embedding model is deployed, recreate the index, bulk ingest.
// The rebuild is destructive; the index is briefly empty while it runs.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	docs, err := loader.Load(cfg.Corpus.File)
	if err != nil {
		log.Fatalf("load corpus failed: %v", err)
	}
	log.Printf("loaded %d documents from %s", len(docs), cfg.Corpus.File)

	splitter, err := chunker.New(cfg.Chunker.Encoding, cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	if err != nil {
		log.Fatalf("init chunker failed: %v", err)
	}
	chunks := splitter.Split(docs)
	log.Printf("split into %d chunks", len(chunks))

	cluster, err := esClient.New(ctx, esClient.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
		APIKey:    cfg.Elasticsearch.APIKey,
		CACert:    cfg.Elasticsearch.CACert,
	})
	if err != nil {
		log.Fatalf("connect elasticsearch failed: %v", err)
	}

	store := search.NewStore(cluster, search.Config{
		Index:          cfg.Search.Index,
		ModelID:        cfg.Search.ModelID,
		Dims:           cfg.Search.Dims,
		TopK:           cfg.Search.TopK,
		MLWaitTimeout:  time.Duration(cfg.Search.MLWaitTimeoutSec) * time.Second,
		MLPollInterval: time.Duration(cfg.Search.MLPollIntervalSec) * time.Second,
	})

	if err := store.EnsureModelDeployed(ctx); err != nil {
		log.Fatalf("deploy embedding model failed: %v", err)
	}
	if err := store.RebuildIndex(ctx); err != nil {
		log.Fatalf("rebuild index failed: %v", err)
	}

	if err := store.AddChunks(ctx, chunks); err != nil {
		var bulkErr *search.BulkError
		var mlErr *search.MLTasksTimeoutError
		switch {
		case errors.As(err, &bulkErr):
			for _, item := range bulkErr.Items {
				log.Printf("chunk rejected: %s: %s", item.Type, item.Reason)
			}
			log.Fatalf("bulk ingest failed for %d chunks", len(bulkErr.Items))
		case errors.As(err, &mlErr):
			log.Fatalf("ingest aborted, %v", mlErr)
		default:
			log.Fatalf("ingest failed: %v", err)
		}
	}

	log.Printf("indexed %d chunks into %s", len(chunks), cfg.Search.Index)
}
