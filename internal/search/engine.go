package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanrag/internal/embed"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// QueryEmbedder turns normalized query text into a vector.
// *embed.Cache is the production implementation.
type QueryEmbedder interface {
	GetOrCompute(ctx context.Context, text string) ([]float32, error)
}

// Engine orchestrates hybrid retrieval. It holds no per-request state and is
// safe for concurrent use; the embedding cache is the only shared mutable state.
type Engine struct {
	vector   store.VectorSearcher
	lexical  store.LexicalSearcher
	embedder QueryEmbedder
	fusion   *RRFFusion
	reranker *Reranker
	metrics  *telemetry.QueryMetrics
	config   EngineConfig
	newID    func() string
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithReranker sets the cross-encoder reranker applied after fusion.
func WithReranker(r *Reranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// WithMetrics sets an optional query metrics collector for telemetry.
func WithMetrics(m *telemetry.QueryMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRequestIDs overrides request ID generation.
func WithRequestIDs(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine creates a hybrid retrieval engine.
// Returns an error if any required dependency is nil.
func NewEngine(
	vector store.VectorSearcher,
	lexical store.LexicalSearcher,
	embedder QueryEmbedder,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if vector == nil {
		return nil, fmt.Errorf("%w: vector searcher is required", ErrNilDependency)
	}
	if lexical == nil {
		return nil, fmt.Errorf("%w: lexical searcher is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: query embedder is required", ErrNilDependency)
	}

	config = config.withDefaults()
	e := &Engine{
		vector:   vector,
		lexical:  lexical,
		embedder: embedder,
		fusion:   NewRRFFusion(config.RRFConstant),
		reranker: NewReranker(nil, false),
		config:   config,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reranker == nil {
		e.reranker = NewReranker(nil, false)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// RerankingEnabled reports whether results are rescored after fusion.
func (e *Engine) RerankingEnabled() bool {
	return e.reranker.Enabled()
}

// Retrieve runs vector and lexical search concurrently, fuses the lists with
// RRF, optionally reranks, and returns at most K chunks.
//
// A failed or timed-out leg degrades the result to the surviving leg. Only
// when no leg returns a list does Retrieve fail, with RetrievalUnavailable.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, nil)
}

// Explain runs the same pipeline as Retrieve and also returns the trace.
func (e *Engine) Explain(ctx context.Context, req Request) (*Result, *RetrievalTrace, error) {
	normalized := embed.NormalizeQuery(req.Query)
	trace := newTrace("", req.Query, normalized)
	res, err := e.run(ctx, req, trace)
	if err != nil {
		return nil, trace, err
	}
	return res, trace, nil
}

// legResult is what one fan-out leg produced.
type legResult struct {
	chunks  []store.ScoredChunk
	err     error
	elapsed time.Duration
}

func (e *Engine) run(ctx context.Context, req Request, trace *RetrievalTrace) (*Result, error) {
	start := time.Now()
	requestID := e.newID()
	if trace != nil {
		trace.RequestID = requestID
	}

	// INIT
	trace.enter(StateInit)
	query := embed.NormalizeQuery(req.Query)
	if query == "" {
		trace.enter(StateError)
		return nil, amerrors.InvalidRequest("query must not be empty").WithStage(amerrors.StageInit)
	}
	k := req.K
	if k <= 0 {
		k = e.config.DefaultK
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	log := slog.With(
		slog.String("request_id", requestID),
		slog.String("query", logging.Preview(query, logging.PreviewLength)))

	// FANOUT
	trace.enter(StateFanout)
	var (
		vec       legResult
		lex       legResult
		embedTime time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, embedTime = e.vectorLeg(gctx, query, req.Filters)
		return nil // Don't fail the group
	})
	g.Go(func() error {
		lex = e.lexicalLeg(gctx, query, req.Filters)
		return nil
	})
	_ = g.Wait()

	timings := Timings{
		Embedding: embedTime,
		Vector:    vec.elapsed,
		Lexical:   lex.elapsed,
	}

	trace.legError(string(store.MethodVector), vec.err)
	trace.legError(string(store.MethodLexical), lex.err)
	for _, leg := range []struct {
		method store.RetrievalMethod
		res    legResult
	}{{store.MethodVector, vec}, {store.MethodLexical, lex}} {
		if leg.res.err != nil {
			log.Warn("retrieval_leg_failed",
				slog.String("leg", string(leg.method)),
				slog.String("error_code", amerrors.GetCode(leg.res.err)),
				slog.String("error", leg.res.err.Error()),
				slog.Duration("elapsed", leg.res.elapsed))
		}
	}

	if vec.err != nil && lex.err != nil {
		trace.enter(StateError)
		err := amerrors.RetrievalUnavailable(errors.Join(vec.err, lex.err)).
			WithDetail("vector_error", vec.err.Error()).
			WithDetail("lexical_error", lex.err.Error())
		log.Error("retrieval_failed",
			slog.String("error_code", err.Code),
			slog.String("error", err.Error()))
		e.record(query, nil, time.Since(start), true)
		return nil, err
	}

	var (
		lists   [][]store.ScoredChunk
		methods []store.RetrievalMethod
	)
	if vec.err == nil {
		lists = append(lists, vec.chunks)
		methods = append(methods, store.MethodVector)
	}
	if lex.err == nil {
		lists = append(lists, lex.chunks)
		methods = append(methods, store.MethodLexical)
	}
	trace.recordLegs(vec.chunks, lex.chunks)

	// FUSE
	trace.enter(StateFuse)
	fuseStart := time.Now()
	fusedDetail := e.fusion.FuseDetailed(lists...)
	fused := make([]store.ScoredChunk, len(fusedDetail))
	for i, f := range fusedDetail {
		fused[i] = f.ScoredChunk
	}
	timings.Fusion = time.Since(fuseStart)
	timings.Retrieval = time.Since(start)
	trace.recordFused(fusedDetail)

	res := &Result{
		RequestID: requestID,
		Query:     query,
		Methods:   methods,
		Hybrid:    len(methods) == 2,
		Degraded:  len(methods) < 2,
	}

	// RERANK
	final := fused
	if e.reranker.Enabled() && len(fused) > 0 {
		trace.enter(StateRerank)
		rerankStart := time.Now()
		reranked, err := e.reranker.Rerank(ctx, query, fused, e.config.RerankTopK)
		timings.Rerank = time.Since(rerankStart)
		final = reranked
		if err != nil {
			res.RerankFailed = true
		} else {
			res.Reranked = true
		}
	}

	// DONE
	// The reranked stage records the RERANK output even when it is the fused
	// order unchanged.
	trace.recordReranked(final)
	res.Chunks = store.Truncate(final, k)
	timings.Total = time.Since(start)
	res.Timings = timings
	trace.enter(StateDone)
	trace.finish(res)

	log.Info("retrieval_complete",
		slog.Int("results", len(res.Chunks)),
		slog.Bool("hybrid", res.Hybrid),
		slog.Bool("reranked", res.Reranked),
		slog.Bool("degraded", res.Degraded),
		slog.Duration("total", timings.Total))

	e.record(query, res, timings.Total, false)
	return res, nil
}

// vectorLeg embeds the query and searches the vector index under the leg timeout.
// Embedding runs inside the leg so it never delays the lexical leg.
func (e *Engine) vectorLeg(ctx context.Context, query string, filters store.Filters) (legResult, time.Duration) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.VectorTimeout)
	defer cancel()

	vec, err := awaitLeg(ctx, func(ctx context.Context) ([]float32, error) {
		return e.embedder.GetOrCompute(ctx, query)
	})
	embedTime := time.Since(start)
	if err != nil {
		if !amerrors.IsCode(err, amerrors.ErrCodeEmbeddingUnavailable) {
			err = amerrors.EmbeddingUnavailable(err)
		}
		return legResult{err: err, elapsed: time.Since(start)}, embedTime
	}

	chunks, err := awaitLeg(ctx, func(ctx context.Context) ([]store.ScoredChunk, error) {
		return e.vector.Search(ctx, vec, e.config.VectorTopK, filters)
	})
	if err != nil {
		return legResult{err: asIndexUnavailable(amerrors.StageVector, err), elapsed: time.Since(start)}, embedTime
	}
	return legResult{chunks: chunks, elapsed: time.Since(start)}, embedTime
}

// lexicalLeg searches the lexical index under the leg timeout.
func (e *Engine) lexicalLeg(ctx context.Context, query string, filters store.Filters) legResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.LexicalTimeout)
	defer cancel()

	chunks, err := awaitLeg(ctx, func(ctx context.Context) ([]store.ScoredChunk, error) {
		return e.lexical.Search(ctx, query, e.config.LexicalTopK, filters)
	})
	if err != nil {
		return legResult{err: asIndexUnavailable(amerrors.StageLexical, err), elapsed: time.Since(start)}
	}
	return legResult{chunks: chunks, elapsed: time.Since(start)}
}

// awaitLeg runs fn and returns when it finishes or ctx is done, whichever
// comes first. An adapter that ignores its context cannot hold a leg past
// its deadline; its late result is discarded.
func awaitLeg[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func asIndexUnavailable(stage amerrors.Stage, err error) error {
	if amerrors.IsCode(err, amerrors.ErrCodeIndexUnavailable) {
		return err
	}
	return amerrors.IndexUnavailable(stage, err)
}

func (e *Engine) record(query string, res *Result, latency time.Duration, failed bool) {
	if e.metrics == nil {
		return
	}
	event := telemetry.QueryEvent{
		Query:     query,
		Latency:   latency,
		Failed:    failed,
		Timestamp: time.Now(),
	}
	if res != nil {
		event.ResultCount = len(res.Chunks)
		event.Stages = res.Timings.Stages()
		event.Degraded = res.Degraded
		event.Reranked = res.Reranked
		event.RerankFailed = res.RerankFailed
		for _, m := range res.Methods {
			event.Methods = append(event.Methods, string(m))
		}
	}
	e.metrics.Record(event)
}
