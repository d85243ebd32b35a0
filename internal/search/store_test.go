package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govdoc-chat/internal/model"
)

// fakeCluster records requests and serves canned per-route responses. The
// product header is required or the client rejects every response.
type fakeCluster struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(call int, w http.ResponseWriter, r *http.Request)
	calls    map[string]int
	srv      *httptest.Server
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()
	f := &fakeCluster{
		routes: map[string]func(int, http.ResponseWriter, *http.Request){},
		calls:  map[string]int{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		key := r.Method + " " + r.URL.Path

		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(raw)})
		call := f.calls[key]
		f.calls[key]++
		handler := f.routes[key]
		f.mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if handler == nil {
			fmt.Fprint(w, `{}`)
			return
		}
		handler(call, w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCluster) on(method, path string, handler func(call int, w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = handler
}

// onPath registers a handler regardless of HTTP method.
func (f *fakeCluster) onPath(path string, handler func(call int, w http.ResponseWriter, r *http.Request)) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		f.on(method, path, handler)
	}
}

func (f *fakeCluster) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, req := range f.requests {
		out[i] = req.Method + " " + req.Path
	}
	return out
}

func (f *fakeCluster) callCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func newTestStore(t *testing.T, f *fakeCluster) *Store {
	t.Helper()
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{f.srv.URL}})
	require.NoError(t, err)
	return NewStore(client, Config{
		Index:          "docs",
		ModelID:        ".test-model",
		Dims:           384,
		TopK:           4,
		MLWaitTimeout:  100 * time.Millisecond,
		MLPollInterval: 10 * time.Millisecond,
	})
}

func TestRebuildIndex(t *testing.T) {
	f := newFakeCluster(t)
	store := newTestStore(t, f)

	require.NoError(t, store.RebuildIndex(context.Background()))

	assert.Equal(t, []string{
		"DELETE /docs",
		"PUT /_ingest/pipeline/docs-embed",
		"PUT /docs",
	}, f.paths())

	f.mu.Lock()
	createBody := f.requests[2].Body
	f.mu.Unlock()
	assert.Contains(t, createBody, `"dense_vector"`)
	assert.Contains(t, createBody, `"dims":384`)
	assert.Contains(t, createBody, `"default_pipeline":"docs-embed"`)
}

func TestRebuildIndexAlreadyExistsIsBenign(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPut, "/docs", func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"resource_already_exists_exception","reason":"index [docs] already exists"}}`)
	})
	store := newTestStore(t, f)

	require.NoError(t, store.RebuildIndex(context.Background()))
}

func TestRebuildIndexOtherCreateErrorSurfaces(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPut, "/docs", func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"mapper_parsing_exception","reason":"bad mapping"}}`)
	})
	store := newTestStore(t, f)

	err := store.RebuildIndex(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func testChunks() []model.Chunk {
	return []model.Chunk{
		{Content: "first chunk", Metadata: model.Metadata{Name: "Leave Policy"}},
		{Content: "second chunk", Metadata: model.Metadata{Name: "Leave FAQ"}},
	}
}

func TestAddChunks(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPost, "/_bulk", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errors":false,"items":[{"index":{"status":201}},{"index":{"status":201}}]}`)
	})
	store := newTestStore(t, f)

	require.NoError(t, store.AddChunks(context.Background(), testChunks()))

	f.mu.Lock()
	bulkBody := f.requests[0].Body
	f.mu.Unlock()

	scanner := bufio.NewScanner(bytes.NewReader([]byte(bulkBody)))
	var lines []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	require.Len(t, lines, 4, "one action line and one document line per chunk")
	assert.Contains(t, lines[0], `"_index":"docs"`)
	assert.Contains(t, lines[1], `"first chunk"`)
	assert.Contains(t, lines[1], `"Leave Policy"`)
}

func TestAddChunksReportsPerItemErrors(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPost, "/_bulk", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errors":true,"items":[
			{"index":{"status":201}},
			{"index":{"status":400,"error":{"type":"mapper_parsing_exception","reason":"field too long"}}}
		]}`)
	})
	store := newTestStore(t, f)

	err := store.AddChunks(context.Background(), testChunks())
	var bulkErr *BulkError
	require.ErrorAs(t, err, &bulkErr)
	require.Len(t, bulkErr.Items, 1)
	assert.Equal(t, "mapper_parsing_exception", bulkErr.Items[0].Type)
	assert.Equal(t, "field too long", bulkErr.Items[0].Reason)
}

func TestAddChunksRetriesOnceAfterTimeout(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPost, "/_bulk", func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 0 {
			w.WriteHeader(http.StatusRequestTimeout)
			fmt.Fprint(w, `{"error":"timeout"}`)
			return
		}
		fmt.Fprint(w, `{"errors":false,"items":[]}`)
	})
	// No ML tasks running: the wait returns immediately.
	f.on(http.MethodGet, "/_tasks", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"nodes":{}}`)
	})
	store := newTestStore(t, f)

	require.NoError(t, store.AddChunks(context.Background(), testChunks()))
	assert.Equal(t, 2, f.callCount(http.MethodPost, "/_bulk"))
}

func TestAddChunksDeadlineExceededNamesTasks(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPost, "/_bulk", func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
		fmt.Fprint(w, `{"error":"timeout"}`)
	})
	f.on(http.MethodGet, "/_tasks", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"nodes":{"n1":{"tasks":{"n1:1":{"action":"cluster:monitor/xpack/ml/trained_models/deployment"}}}}}`)
	})
	store := newTestStore(t, f)

	err := store.AddChunks(context.Background(), testChunks())
	var timeoutErr *MLTasksTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Contains(t, timeoutErr.Tasks, "cluster:monitor/xpack/ml/trained_models/deployment")
	assert.Equal(t, 1, f.callCount(http.MethodPost, "/_bulk"), "no retry after the wait gives up")
}

func TestAddChunksNonTimeoutErrorSurfacesImmediately(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodPost, "/_bulk", func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"no permission"}`)
	})
	store := newTestStore(t, f)

	err := store.AddChunks(context.Background(), testChunks())
	require.Error(t, err)
	assert.Equal(t, 1, f.callCount(http.MethodPost, "/_bulk"))
}

func TestSearch(t *testing.T) {
	f := newFakeCluster(t)
	f.onPath("/docs/_search", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"hits":{"hits":[
			{"_source":{"content":"passage one","metadata":{"name":"Leave Policy","gov_id":"G-1"}}},
			{"_source":{"content":"passage two","metadata":{"name":"Leave FAQ"}}}
		]}}`)
	})
	store := newTestStore(t, f)

	passages, err := store.Search(context.Background(), "leave policy", 2)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "passage one", passages[0].Content)
	assert.Equal(t, "Leave Policy", passages[0].Metadata.Name)
	assert.Equal(t, "G-1", passages[0].Metadata.GovID)
	assert.Equal(t, "Leave FAQ", passages[1].Metadata.Name)

	f.mu.Lock()
	searchBody := f.requests[0].Body
	f.mu.Unlock()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(searchBody), &body))
	require.Contains(t, body, "knn")
	require.Contains(t, body, "query")
	knn := body["knn"].(map[string]interface{})
	builder := knn["query_vector_builder"].(map[string]interface{})
	embedding := builder["text_embedding"].(map[string]interface{})
	assert.Equal(t, ".test-model", embedding["model_id"])
	assert.Equal(t, "leave policy", embedding["model_text"])
}

func TestSearchEmptyResultIsNotAnError(t *testing.T) {
	f := newFakeCluster(t)
	f.onPath("/docs/_search", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"hits":{"hits":[]}}`)
	})
	store := newTestStore(t, f)

	passages, err := store.Search(context.Background(), "nothing relevant", 4)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestEnsureModelDeployedCreatesMissingModel(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodGet, "/_ml/trained_models/.test-model", func(call int, w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "definition_status") {
			fmt.Fprint(w, `{"trained_model_configs":[{"fully_defined":true}]}`)
			return
		}
		if call == 0 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"resource_not_found_exception"}}`)
			return
		}
		fmt.Fprint(w, `{"trained_model_configs":[{}]}`)
	})
	f.on(http.MethodGet, "/_ml/trained_models/.test-model/_stats", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"trained_model_stats":[{"deployment_stats":{"allocation_status":{"state":"fully_allocated"}}}]}`)
	})
	store := newTestStore(t, f)

	require.NoError(t, store.EnsureModelDeployed(context.Background()))
	assert.Equal(t, 1, f.callCount(http.MethodPut, "/_ml/trained_models/.test-model"))
}

func TestEnsureModelDeployedStartsUnallocatedDeployment(t *testing.T) {
	f := newFakeCluster(t)
	f.on(http.MethodGet, "/_ml/trained_models/.test-model", func(_ int, w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "definition_status") {
			fmt.Fprint(w, `{"trained_model_configs":[{"fully_defined":true}]}`)
			return
		}
		fmt.Fprint(w, `{"trained_model_configs":[{}]}`)
	})
	f.on(http.MethodGet, "/_ml/trained_models/.test-model/_stats", func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"trained_model_stats":[{"deployment_stats":{}}]}`)
	})
	store := newTestStore(t, f)

	require.NoError(t, store.EnsureModelDeployed(context.Background()))
	assert.Equal(t, 1, f.callCount(http.MethodPost, "/_ml/trained_models/.test-model/deployment/_start"))
}
