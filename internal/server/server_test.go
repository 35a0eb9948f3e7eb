package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/embed"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRetriever struct {
	result *search.Result
	trace  *search.RetrievalTrace
	err    error

	got       search.Request
	explained bool
}

func (f *fakeRetriever) Retrieve(_ context.Context, req search.Request) (*search.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRetriever) Explain(_ context.Context, req search.Request) (*search.Result, *search.RetrievalTrace, error) {
	f.got = req
	f.explained = true
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.result, f.trace, nil
}

type fakeCorpus struct {
	n   int
	err error
}

func (f fakeCorpus) Count(context.Context) (int, error) { return f.n, f.err }

type fakeCache struct{ stats embed.CacheStats }

func (f fakeCache) Stats() embed.CacheStats { return f.stats }

func sampleResult() *search.Result {
	return &search.Result{
		RequestID: "req-1",
		Query:     "reset password",
		Chunks: []store.ScoredChunk{
			{
				Chunk:  store.Chunk{Content: "Open settings to reset.", Metadata: store.Metadata{"doc_id": "faq"}},
				Score:  0.0328,
				Method: store.MethodHybridRRF,
			},
		},
		Methods: []store.RetrievalMethod{store.MethodVector, store.MethodLexical},
		Hybrid:  true,
		Timings: search.Timings{Retrieval: 3 * time.Millisecond, Total: 4 * time.Millisecond},
	}
}

func sampleTrace() *search.RetrievalTrace {
	return &search.RetrievalTrace{
		RequestID:       "req-1",
		Query:           "reset password",
		NormalizedQuery: "reset password",
		States:          []search.State{search.StateInit, search.StateFanout, search.StateFuse, search.StateDone},
		VectorHits:      []search.TraceHit{},
		LexicalHits:     []search.TraceHit{{Rank: 0, Content: "Open settings", Score: 2.1, Method: store.MethodLexical}},
		Fused:           []search.TraceHit{{Rank: 0, Content: "Open settings", Score: 0.0167, Method: store.MethodHybridRRF, Ranks: []int{-1, 0}}},
		Reranked:        []search.TraceHit{},
		TotalResults:    1,
		Methods:         []store.RetrievalMethod{store.MethodLexical},
		LegErrors:       map[string]string{"vector": "embedding provider unavailable"},
		Timings:         search.Timings{Lexical: 2 * time.Millisecond},
	}
}

func newTestServer(t *testing.T, r Retriever, opts ...Option) *Server {
	t.Helper()
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s := New(Config{
		Host:                "127.0.0.1",
		Port:                8000,
		VectorBackend:       "hnsw",
		LexicalBackend:      "scan",
		EmbeddingModel:      "static-hash-64",
		EmbeddingDimensions: 64,
		RRFConstant:         60,
		VectorTopK:          12,
		LexicalTopK:         12,
		RerankTopK:          8,
	}, r, opts...)
	s.Setup()
	return s
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), "body: %s", w.Body.String())
	return w, decoded
}

func TestSetup(t *testing.T) {
	s := newTestServer(t, &fakeRetriever{})

	require.NotNil(t, s.router)
	require.NotNil(t, s.server)
	assert.Equal(t, "127.0.0.1:8000", s.server.Addr)
}

func TestRoot(t *testing.T) {
	s := newTestServer(t, &fakeRetriever{})

	w, body := do(t, s, http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, w.Code)
	endpoints, ok := body["endpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/query", endpoints["query"])
	assert.Equal(t, "/stats", endpoints["stats"])
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		retriever Retriever
		corpus    CorpusCounter
		status    string
		ready     bool
	}{
		{"ready", &fakeRetriever{}, fakeCorpus{n: 42}, "healthy", true},
		{"no retriever", nil, nil, "unhealthy", false},
		{"corpus unreachable", &fakeRetriever{}, fakeCorpus{err: errors.New("db down")}, "unhealthy", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.corpus != nil {
				opts = append(opts, WithCorpus(tt.corpus))
			}
			s := newTestServer(t, tt.retriever, opts...)

			w, body := do(t, s, http.MethodGet, "/health", "")

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.ready, body["retriever_ready"])
			assert.Contains(t, body, "version")
		})
	}
}

func TestHealth_ReportsIndex(t *testing.T) {
	s := newTestServer(t, &fakeRetriever{}, WithCorpus(fakeCorpus{n: 42}))

	_, body := do(t, s, http.MethodGet, "/health", "")

	index, ok := body["index"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hnsw", index["vector_backend"])
	assert.Equal(t, "scan", index["lexical_backend"])
	assert.InDelta(t, 42, index["corpus_size"], 0)
}

func TestQuery_ReturnsContexts(t *testing.T) {
	// Given: a retriever with one fused chunk
	r := &fakeRetriever{result: sampleResult()}
	s := newTestServer(t, r)

	// When: querying with k and a filter
	w, body := do(t, s, http.MethodPost, "/query", `{"query":"reset password","k":3,"filters":{"doc_id":"faq"}}`)

	// Then: the request is forwarded and the response has the documented shape
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, r.got.K)
	assert.Equal(t, store.Filters{"doc_id": "faq"}, r.got.Filters)
	assert.False(t, r.explained)

	assert.Equal(t, "req-1", body["request_id"])
	contexts := body["contexts"].([]any)
	require.Len(t, contexts, 1)
	first := contexts[0].(map[string]any)
	assert.Equal(t, "Open settings to reset.", first["content"])
	assert.Equal(t, "hybrid_rrf", first["retrieval_method"])
	assert.Equal(t, "faq", first["metadata"].(map[string]any)["doc_id"])

	timings := body["timings_ms"].(map[string]any)
	for _, key := range []string{"embedding", "vector", "lexical", "fusion", "rerank", "retrieval", "total"} {
		assert.Contains(t, timings, key)
	}
	assert.InDelta(t, 4.0, timings["total"], 1e-9)

	md := body["metadata"].(map[string]any)
	assert.InDelta(t, 1, md["num_contexts"], 0)
	assert.Equal(t, []any{"vector", "lexical"}, md["methods"])
	assert.Equal(t, false, md["degraded"])
	cfg := md["retriever_config"].(map[string]any)
	assert.Equal(t, true, cfg["hybrid"])
	assert.Equal(t, false, cfg["reranking"])

	assert.NotContains(t, body, "trace")
}

func TestQuery_WithExplainIncludesTrace(t *testing.T) {
	r := &fakeRetriever{result: sampleResult(), trace: sampleTrace()}
	s := newTestServer(t, r)

	w, body := do(t, s, http.MethodPost, "/query", `{"query":"reset password","explain":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, r.explained)
	assert.Equal(t, 0, r.got.K, "omitted k uses the engine default")
	trace, ok := body["trace"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reset password", trace["normalized_query"])
}

func TestQuery_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"query":`},
		{"missing query", `{"k":3}`},
		{"blank query", `{"query":"   "}`},
		{"zero k", `{"query":"q","k":0}`},
		{"negative k", `{"query":"q","k":-2}`},
		{"filters not an object", `{"query":"q","filters":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRetriever{result: sampleResult()}
			s := newTestServer(t, r)

			w, body := do(t, s, http.MethodPost, "/query", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			errBody := body["error"].(map[string]any)
			assert.Equal(t, amerrors.ErrCodeInvalidRequest, errBody["code"])
			assert.NotEmpty(t, errBody["message"])
			assert.Empty(t, r.got.Query, "retriever must not be called")
		})
	}
}

func TestQuery_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"retrieval unavailable", amerrors.RetrievalUnavailable(errors.New("both legs down")), http.StatusServiceUnavailable, amerrors.ErrCodeRetrievalUnavailable},
		{"engine validation", amerrors.InvalidRequest("query must not be empty"), http.StatusBadRequest, amerrors.ErrCodeInvalidRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, amerrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeRetriever{err: tt.err})

			w, body := do(t, s, http.MethodPost, "/query", `{"query":"q"}`)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, body["error"].(map[string]any)["code"])
			assert.NotContains(t, body, "contexts", "no partial payload on failure")
		})
	}
}

func TestQuery_NoRetriever(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPost, "/query", `{"query":"q"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestExplain(t *testing.T) {
	// Given: a trace where the vector leg failed
	r := &fakeRetriever{result: sampleResult(), trace: sampleTrace()}
	s := newTestServer(t, r)

	// When: calling /explain
	w, body := do(t, s, http.MethodPost, "/explain", `{"query":"reset password"}`)

	// Then: every stage is reported
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reset password", body["query"])
	assert.Empty(t, body["vector_hits"])
	assert.Len(t, body["lexical_hits"], 1)
	fused := body["fused"].([]any)
	require.Len(t, fused, 1)
	assert.Equal(t, []any{-1.0, 0.0}, fused[0].(map[string]any)["source_ranks"])
	assert.InDelta(t, 1, body["total_results"], 0)
	assert.Equal(t, "embedding provider unavailable", body["leg_errors"].(map[string]any)["vector"])
	assert.InDelta(t, 2.0, body["timings_ms"].(map[string]any)["lexical"], 1e-9)
}

func TestExplain_RetrievalUnavailable(t *testing.T) {
	s := newTestServer(t, &fakeRetriever{err: amerrors.RetrievalUnavailable(nil)})

	w, _ := do(t, s, http.MethodPost, "/explain", `{"query":"q"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStats(t *testing.T) {
	// Given: cache stats and two recorded queries
	metrics := telemetry.NewQueryMetrics(nil)
	defer metrics.Close()
	metrics.Record(telemetry.QueryEvent{Query: "reset password", ResultCount: 3, Methods: []string{"vector", "lexical"}})
	metrics.Record(telemetry.QueryEvent{Query: "nothing", ResultCount: 0, Degraded: true, Methods: []string{"lexical"}})

	s := newTestServer(t, &fakeRetriever{},
		WithCache(fakeCache{stats: embed.CacheStats{Size: 5, Hits: 7, Misses: 5}}),
		WithMetrics(metrics))

	// When: reading /stats
	w, body := do(t, s, http.MethodGet, "/stats", "")

	// Then: config, cache and query sections are present
	require.Equal(t, http.StatusOK, w.Code)
	cfg := body["config"].(map[string]any)
	assert.Equal(t, true, cfg["hybrid_retrieval"])
	assert.Equal(t, "static-hash-64", cfg["embedding_model"])
	assert.InDelta(t, 64, cfg["embedding_dimensions"], 0)
	assert.InDelta(t, 60, cfg["rrf_k"], 0)
	assert.InDelta(t, 8, cfg["rerank_top_k"], 0)

	cache := body["cache"].(map[string]any)
	assert.InDelta(t, 5, cache["embedding_cache_size"], 0)
	assert.InDelta(t, 7, cache["hits"], 0)

	queries := body["queries"].(map[string]any)
	assert.InDelta(t, 2, queries["total_queries"], 0)
	assert.InDelta(t, 50.0, queries["degraded_pct"], 1e-9)
	assert.InDelta(t, 1, queries["zero_results"], 0)
}

func TestStats_IncludesPersistedHistory(t *testing.T) {
	// Given: a collector backed by a telemetry database with one flushed query
	db, err := telemetry.OpenSQLiteMetricsStore(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	metrics := telemetry.NewQueryMetricsWithConfig(db, telemetry.QueryMetricsConfig{FlushInterval: 0})
	defer metrics.Close()
	metrics.Record(telemetry.QueryEvent{Query: "reset password", ResultCount: 3, Methods: []string{"vector", "lexical"}})
	require.NoError(t, metrics.Flush())

	s := newTestServer(t, &fakeRetriever{}, WithMetrics(metrics))

	// When: reading /stats
	w, body := do(t, s, http.MethodGet, "/stats", "")

	// Then: the queries section carries the stored daily totals
	require.Equal(t, http.StatusOK, w.Code)
	queries := body["queries"].(map[string]any)
	history, ok := queries["history"].(map[string]any)
	require.True(t, ok, "history missing from /stats")
	methods := history["method_counts"].(map[string]any)
	assert.InDelta(t, 1, methods["vector"], 0)
	assert.InDelta(t, 1, methods["lexical"], 0)
}

func TestStats_NoHistoryWithoutStore(t *testing.T) {
	metrics := telemetry.NewQueryMetrics(nil)
	defer metrics.Close()
	s := newTestServer(t, &fakeRetriever{}, WithMetrics(metrics))

	w, body := do(t, s, http.MethodGet, "/stats", "")

	require.Equal(t, http.StatusOK, w.Code)
	queries := body["queries"].(map[string]any)
	assert.NotContains(t, queries, "history")
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}, &fakeRetriever{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
