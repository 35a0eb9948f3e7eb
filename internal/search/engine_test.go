package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

type engineFixture struct {
	vector   *fakeVector
	lexical  *fakeLexical
	embedder *fakeEmbedder
	config   EngineConfig
	opts     []EngineOption
}

func newFixture() *engineFixture {
	return &engineFixture{
		vector:   &fakeVector{results: ranked(store.MethodVector, "x", "y", "z")},
		lexical:  &fakeLexical{results: ranked(store.MethodLexical, "y", "x", "w")},
		embedder: &fakeEmbedder{},
		config: EngineConfig{
			DefaultK:       10,
			VectorTimeout:  200 * time.Millisecond,
			LexicalTimeout: 200 * time.Millisecond,
			RequestTimeout: time.Second,
		},
	}
}

func (f *engineFixture) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(f.vector, f.lexical, f.embedder, f.config, f.opts...)
	require.NoError(t, err)
	return e
}

func TestEngine_Retrieve_HybridFusion(t *testing.T) {
	// Given: both legs succeed
	f := newFixture()
	e := f.engine(t)

	// When
	res, err := e.Retrieve(context.Background(), Request{Query: "  what   is x  "})

	// Then
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "w"}, hashes(res.Chunks))
	assert.Equal(t, "what is x", res.Query)
	assert.True(t, res.Hybrid)
	assert.False(t, res.Degraded)
	assert.False(t, res.Reranked)
	assert.Equal(t, []store.RetrievalMethod{store.MethodVector, store.MethodLexical}, res.Methods)
	assert.NotEmpty(t, res.RequestID)
	assert.Positive(t, res.Timings.Total)
	for i := 1; i < len(res.Chunks); i++ {
		assert.GreaterOrEqual(t, res.Chunks[i-1].Score, res.Chunks[i].Score)
	}
}

func TestEngine_Retrieve_TruncatesToK(t *testing.T) {
	f := newFixture()
	e := f.engine(t)

	res, err := e.Retrieve(context.Background(), Request{Query: "q", K: 2})

	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, hashes(res.Chunks))
}

func TestEngine_Retrieve_PassesTopKAndFilters(t *testing.T) {
	f := newFixture()
	f.config.VectorTopK = 7
	e := f.engine(t)
	filters := store.Filters{"doc_id": "doc-x"}

	_, err := e.Retrieve(context.Background(), Request{Query: "q", Filters: filters})

	require.NoError(t, err)
	assert.Equal(t, int32(7), f.vector.gotK.Load())
	assert.Equal(t, filters, f.lexical.gotFilters)
}

func TestEngine_Retrieve_EmptyQueryIsInvalid(t *testing.T) {
	f := newFixture()
	e := f.engine(t)

	_, err := e.Retrieve(context.Background(), Request{Query: " \t\n"})

	require.Error(t, err)
	assert.True(t, amerrors.IsCode(err, amerrors.ErrCodeInvalidRequest))
	assert.Equal(t, int32(0), f.vector.calls.Load())
	assert.Equal(t, int32(0), f.lexical.calls.Load())
}

func TestEngine_Retrieve_DegradesToSurvivingLeg(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *engineFixture)
		survivor  []store.ScoredChunk
		method    store.RetrievalMethod
		vecCalled bool
	}{
		{
			name:      "vector index down",
			setup:     func(f *engineFixture) { f.vector.err = assert.AnError },
			survivor:  ranked(store.MethodLexical, "y", "x", "w"),
			method:    store.MethodLexical,
			vecCalled: true,
		},
		{
			name:      "embedding unavailable",
			setup:     func(f *engineFixture) { f.embedder.err = amerrors.EmbeddingUnavailable(assert.AnError) },
			survivor:  ranked(store.MethodLexical, "y", "x", "w"),
			method:    store.MethodLexical,
			vecCalled: false,
		},
		{
			name:      "lexical index down",
			setup:     func(f *engineFixture) { f.lexical.err = assert.AnError },
			survivor:  ranked(store.MethodVector, "x", "y", "z"),
			method:    store.MethodVector,
			vecCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			e := f.engine(t)

			res, err := e.Retrieve(context.Background(), Request{Query: "q"})

			// Then: the result equals one-list fusion of the survivor
			require.NoError(t, err)
			assert.True(t, res.Degraded)
			assert.False(t, res.Hybrid)
			assert.Equal(t, []store.RetrievalMethod{tt.method}, res.Methods)
			assert.Equal(t, NewRRFFusion(60).Fuse(tt.survivor), res.Chunks)
			for i, c := range res.Chunks {
				assert.InDelta(t, 1.0/float64(60+i), c.Score, 1e-12)
			}
			assert.Equal(t, tt.vecCalled, f.vector.calls.Load() > 0)
		})
	}
}

func TestEngine_Retrieve_BothLegsFail(t *testing.T) {
	f := newFixture()
	f.vector.err = assert.AnError
	f.lexical.err = assert.AnError
	metrics := telemetry.NewQueryMetrics(nil)
	defer metrics.Close()
	f.opts = append(f.opts, WithMetrics(metrics))
	e := f.engine(t)

	res, err := e.Retrieve(context.Background(), Request{Query: "q"})

	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, amerrors.IsCode(err, amerrors.ErrCodeRetrievalUnavailable))
	assert.ErrorIs(t, err, amerrors.ErrIndexUnavailable)
	assert.Equal(t, int64(1), metrics.Snapshot().FailedQueries)
}

func TestEngine_Retrieve_LegTimeoutDegrades(t *testing.T) {
	// Given: a vector backend that ignores its context and is slower than the leg timeout
	f := newFixture()
	f.vector.delay = 500 * time.Millisecond
	f.config.VectorTimeout = 50 * time.Millisecond
	e := f.engine(t)

	start := time.Now()
	res, err := e.Retrieve(context.Background(), Request{Query: "q"})

	// Then: the lexical result is returned without waiting for the vector backend
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.True(t, res.Degraded)
	assert.Equal(t, []store.RetrievalMethod{store.MethodLexical}, res.Methods)
}

func TestEngine_Retrieve_RequestDeadline(t *testing.T) {
	t.Run("uses whatever finished", func(t *testing.T) {
		f := newFixture()
		f.lexical.delay = time.Second
		f.config.LexicalTimeout = 5 * time.Second
		f.config.RequestTimeout = 100 * time.Millisecond
		e := f.engine(t)

		res, err := e.Retrieve(context.Background(), Request{Query: "q"})

		require.NoError(t, err)
		assert.Equal(t, []store.RetrievalMethod{store.MethodVector}, res.Methods)
	})

	t.Run("nothing finished", func(t *testing.T) {
		f := newFixture()
		f.lexical.delay = time.Second
		f.vector.delay = time.Second
		f.config.LexicalTimeout = 5 * time.Second
		f.config.VectorTimeout = 5 * time.Second
		e := f.engine(t)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := e.Retrieve(ctx, Request{Query: "q"})

		require.Error(t, err)
		assert.True(t, amerrors.IsCode(err, amerrors.ErrCodeRetrievalUnavailable))
	})
}

func TestEngine_Retrieve_Rerank(t *testing.T) {
	model := &fakeModel{scores: map[string]float64{
		"content of w": 0.99,
		"content of z": 0.5,
		"content of x": 0.2,
		"content of y": 0.1,
	}}

	t.Run("reranks fused results", func(t *testing.T) {
		f := newFixture()
		f.config.RerankTopK = 3
		f.opts = append(f.opts, WithReranker(NewReranker(model, true)))
		e := f.engine(t)

		res, err := e.Retrieve(context.Background(), Request{Query: "q", K: 2})

		require.NoError(t, err)
		assert.True(t, res.Reranked)
		assert.Equal(t, []string{"w", "z"}, hashes(res.Chunks))
		assert.Equal(t, store.MethodHybridRRFReranked, res.Chunks[0].Method)
	})

	t.Run("failure falls back to fused ranking", func(t *testing.T) {
		f := newFixture()
		f.config.RerankTopK = 3
		f.opts = append(f.opts, WithReranker(NewReranker(&fakeModel{err: assert.AnError}, true)))
		e := f.engine(t)

		res, err := e.Retrieve(context.Background(), Request{Query: "q"})

		require.NoError(t, err)
		assert.False(t, res.Reranked)
		assert.True(t, res.RerankFailed)
		assert.Equal(t, []string{"x", "y", "z"}, hashes(res.Chunks))
		assert.Equal(t, store.MethodHybridRRF, res.Chunks[0].Method)
	})
}

func TestEngine_Explain_MatchesRetrieve(t *testing.T) {
	f := newFixture()
	f.config.RerankTopK = 4
	f.opts = append(f.opts, WithReranker(NewReranker(&fakeModel{scores: map[string]float64{
		"content of z": 1,
	}}, true)))
	e := f.engine(t)
	req := Request{Query: "explain me", K: 3}

	retrieved, err := e.Retrieve(context.Background(), req)
	require.NoError(t, err)
	explained, trace, err := e.Explain(context.Background(), req)
	require.NoError(t, err)

	// Then: identical chunks, and a trace of every stage
	assert.Equal(t, retrieved.Chunks, explained.Chunks)
	require.NotNil(t, trace)
	assert.Equal(t, explained.RequestID, trace.RequestID)
	assert.Equal(t, []State{StateInit, StateFanout, StateFuse, StateRerank, StateDone}, trace.States)
	assert.Len(t, trace.VectorHits, 3)
	assert.Len(t, trace.LexicalHits, 3)
	assert.Len(t, trace.Fused, 4)
	assert.Len(t, trace.Reranked, 4)
	assert.Equal(t, []int{0, 1}, trace.Fused[0].Ranks)
	assert.Equal(t, 3, trace.TotalResults)
	assert.Empty(t, trace.LegErrors)
}

func TestEngine_Explain_RerankStageWithoutRescoring(t *testing.T) {
	tests := []struct {
		name   string
		opts   []EngineOption
		states []State
	}{
		{
			name:   "reranker disabled",
			states: []State{StateInit, StateFanout, StateFuse, StateDone},
		},
		{
			name:   "model failure",
			opts:   []EngineOption{WithReranker(NewReranker(&fakeModel{err: assert.AnError}, true))},
			states: []State{StateInit, StateFanout, StateFuse, StateRerank, StateDone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a reranker that does not rescore
			f := newFixture()
			f.opts = append(f.opts, tt.opts...)
			e := f.engine(t)

			// When
			res, trace, err := e.Explain(context.Background(), Request{Query: "q"})

			// Then: the reranked stage still lists the final fused order
			require.NoError(t, err)
			assert.False(t, res.Reranked)
			assert.Equal(t, tt.states, trace.States)
			require.Len(t, trace.Reranked, 4)
			assert.Equal(t, 4, trace.TotalResults)
			for i, hit := range trace.Reranked {
				assert.Equal(t, i, hit.Rank)
				assert.Equal(t, store.MethodHybridRRF, hit.Method)
				assert.Equal(t, res.Chunks[i].Score, hit.Score)
			}
		})
	}
}

func TestEngine_Explain_RecordsLegErrors(t *testing.T) {
	f := newFixture()
	f.lexical.err = assert.AnError
	e := f.engine(t)

	_, trace, err := e.Explain(context.Background(), Request{Query: "q"})

	require.NoError(t, err)
	assert.Contains(t, trace.LegErrors, "lexical")
	assert.Empty(t, trace.LexicalHits)
}

func TestEngine_Retrieve_RecordsMetrics(t *testing.T) {
	f := newFixture()
	metrics := telemetry.NewQueryMetrics(nil)
	defer metrics.Close()
	f.opts = append(f.opts, WithMetrics(metrics), WithRequestIDs(func() string { return "req-1" }))
	e := f.engine(t)

	res, err := e.Retrieve(context.Background(), Request{Query: "hybrid query"})
	require.NoError(t, err)

	assert.Equal(t, "req-1", res.RequestID)
	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.MethodCounts["vector"])
	assert.Equal(t, int64(1), snap.MethodCounts["lexical"])
}

func TestNewEngine_NilDependencies(t *testing.T) {
	f := newFixture()

	_, err := NewEngine(nil, f.lexical, f.embedder, f.config)
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = NewEngine(f.vector, nil, f.embedder, f.config)
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = NewEngine(f.vector, f.lexical, nil, f.config)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestNewEngine_AppliesDefaults(t *testing.T) {
	f := newFixture()
	e, err := NewEngine(f.vector, f.lexical, f.embedder, EngineConfig{})
	require.NoError(t, err)

	cfg := e.Config()
	assert.Equal(t, DefaultEngineConfig().VectorTopK, cfg.VectorTopK)
	assert.Equal(t, DefaultRRFConstant, cfg.RRFConstant)
	assert.Equal(t, 8, cfg.DefaultK)
	assert.False(t, e.RerankingEnabled())
}
