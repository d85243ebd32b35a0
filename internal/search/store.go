package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"govdoc-chat/internal/model"
)

// Config holds the index and embedding-model settings for the store.
type Config struct {
	Index          string
	ModelID        string
	Dims           int
	TopK           int
	MLWaitTimeout  time.Duration
	MLPollInterval time.Duration
}

// Store is the vector store client. Embedding happens inside the cluster: the
// index's default ingest pipeline runs the deployed model over each chunk's
// content, and queries embed through the same model via query_vector_builder.
type Store struct {
	es  *elasticsearch.Client
	cfg Config
}

func NewStore(es *elasticsearch.Client, cfg Config) *Store {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MLWaitTimeout <= 0 {
		cfg.MLWaitTimeout = 1200 * time.Second
	}
	if cfg.MLPollInterval <= 0 {
		cfg.MLPollInterval = 5 * time.Second
	}
	return &Store{es: es, cfg: cfg}
}

func (s *Store) pipelineID() string {
	return s.cfg.Index + "-embed"
}

// RebuildIndex deletes the index if present and creates it fresh with the
// dense_vector mapping and the embedding pipeline. Destructive by design:
// reindexing replaces the index wholesale rather than updating mappings in
// place. A concurrent create racing this call is benign.
func (s *Store) RebuildIndex(ctx context.Context) error {
	res, err := esapi.IndicesDeleteRequest{
		Index:             []string{s.cfg.Index},
		IgnoreUnavailable: esapi.BoolPtr(true),
	}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("delete index %q failed: %w", s.cfg.Index, err)
	}
	body := drain(res)
	if res.IsError() {
		return fmt.Errorf("delete index %q failed: %s", s.cfg.Index, body)
	}

	pipeline := map[string]interface{}{
		"description": "embed document chunks with the deployed text embedding model",
		"processors": []map[string]interface{}{
			{
				"inference": map[string]interface{}{
					"model_id": s.cfg.ModelID,
					"input_output": []map[string]interface{}{
						{"input_field": "content", "output_field": "vector"},
					},
				},
			},
		},
	}
	res, err = esapi.IngestPutPipelineRequest{
		PipelineID: s.pipelineID(),
		Body:       jsonReader(pipeline),
	}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("put pipeline %q failed: %w", s.pipelineID(), err)
	}
	body = drain(res)
	if res.IsError() {
		return fmt.Errorf("put pipeline %q failed: %s", s.pipelineID(), body)
	}

	mapping := map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{
				"default_pipeline": s.pipelineID(),
			},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"content": map[string]interface{}{"type": "text"},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       s.cfg.Dims,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
	res, err = esapi.IndicesCreateRequest{
		Index: s.cfg.Index,
		Body:  jsonReader(mapping),
	}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("create index %q failed: %w", s.cfg.Index, err)
	}
	body = drain(res)
	if res.IsError() {
		if strings.Contains(body, "resource_already_exists_exception") {
			log.Printf("index %q already exists, continuing", s.cfg.Index)
			return nil
		}
		return fmt.Errorf("create index %q failed: %s", s.cfg.Index, body)
	}
	return nil
}

// AddChunks bulk-indexes chunks; the ingest pipeline computes embeddings.
// A timeout-class failure triggers one bounded wait for in-flight ML tasks
// followed by a single retry of the whole operation; any other error class is
// surfaced immediately. Per-item failures come back as a *BulkError without
// aborting the items that did index.
func (s *Store) AddChunks(ctx context.Context, chunks []model.Chunk) error {
	policy := retryPolicy{
		attempts:  2,
		retryable: isTimeoutClass,
		wait:      s.AwaitMLTasks,
	}
	return policy.Do(ctx, func() error {
		return s.bulkAdd(ctx, chunks)
	})
}

func (s *Store) bulkAdd(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	action, err := json.Marshal(map[string]interface{}{
		"index": map[string]interface{}{"_index": s.cfg.Index},
	})
	if err != nil {
		return fmt.Errorf("marshal bulk action failed: %w", err)
	}
	for _, chunk := range chunks {
		doc, err := json.Marshal(map[string]interface{}{
			"content":  chunk.Content,
			"metadata": chunk.Metadata,
		})
		if err != nil {
			return fmt.Errorf("marshal bulk document failed: %w", err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	res, err := esapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("bulk add failed: %w", err)
	}
	raw := drain(res)
	if res.StatusCode == 408 {
		return fmt.Errorf("bulk add: %w", &apiTimeoutError{status: res.StatusCode})
	}
	if res.IsError() {
		return fmt.Errorf("bulk add failed with status %d: %s", res.StatusCode, raw)
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("parse bulk response failed: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	bulkErr := &BulkError{}
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Error.Type == "" {
				continue
			}
			bulkErr.Items = append(bulkErr.Items, BulkItemError{
				Type:   op.Error.Type,
				Reason: op.Error.Reason,
			})
		}
	}
	return bulkErr
}

// Search runs a hybrid query: approximate kNN over the chunk vectors combined
// with a lexical match on the chunk content, both embedding the query through
// the deployed model. An empty result set is a normal outcome, not an error.
func (s *Store) Search(ctx context.Context, query string, k int) ([]model.Passage, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}

	body := map[string]interface{}{
		"size": k,
		"query": map[string]interface{}{
			"match": map[string]interface{}{
				"content": map[string]interface{}{"query": query},
			},
		},
		"knn": map[string]interface{}{
			"field":          "vector",
			"k":              k,
			"num_candidates": k * 10,
			"query_vector_builder": map[string]interface{}{
				"text_embedding": map[string]interface{}{
					"model_id":   s.cfg.ModelID,
					"model_text": query,
				},
			},
		},
		"_source": []string{"content", "metadata"},
	}

	res, err := esapi.SearchRequest{
		Index: []string{s.cfg.Index},
		Body:  jsonReader(body),
	}.Do(ctx, s.es)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	raw := drain(res)
	if res.IsError() {
		return nil, fmt.Errorf("search failed with status %d: %s", res.StatusCode, raw)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					Content  string         `json:"content"`
					Metadata model.Metadata `json:"metadata"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse search response failed: %w", err)
	}

	passages := make([]model.Passage, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		passages = append(passages, model.Passage{
			Content:  hit.Source.Content,
			Metadata: hit.Source.Metadata,
		})
	}
	return passages, nil
}

// BulkItemError is one failed item of a bulk add.
type BulkItemError struct {
	Type   string
	Reason string
}

// BulkError reports the failed items of a partially successful bulk add.
// Successfully indexed items are not rolled back.
type BulkError struct {
	Items []BulkItemError
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk add failed for %d items", len(e.Items))
}

type apiTimeoutError struct {
	status int
}

func (e *apiTimeoutError) Error() string {
	return fmt.Sprintf("request timed out with status %d", e.status)
}

func isTimeoutClass(err error) bool {
	var apiErr *apiTimeoutError
	if errors.As(err, &apiErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func jsonReader(v interface{}) io.Reader {
	raw, err := json.Marshal(v)
	if err != nil {
		// Bodies are built from static maps; a marshal failure is a bug.
		panic(err)
	}
	return bytes.NewReader(raw)
}

func drain(res *esapi.Response) string {
	if res == nil || res.Body == nil {
		return ""
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return ""
	}
	return string(raw)
}
