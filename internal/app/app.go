// Package app assembles the retrieval engine and its backends from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/embed"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/server"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// embedWorkers bounds concurrent provider calls when filling missing embeddings.
const embedWorkers = 4

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Engine   *search.Engine
	Corpus   store.CorpusSource
	Cache    *embed.Cache
	Metrics  *telemetry.QueryMetrics
	Reranker *search.Reranker

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New builds every component named in cfg. On error, anything already
// opened is closed before returning.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	start := time.Now()

	provider, err := NewProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	a.Cache = embed.NewCache(provider, cfg.Embedding.CacheCapacity, cfg.Embedding.CacheTTL)

	records, err := a.openCorpus(ctx, cfg.Corpus)
	if err != nil {
		return err
	}

	lexical, err := a.openLexical(ctx, cfg.Lexical)
	if err != nil {
		return err
	}

	vector, err := a.openVector(ctx, cfg.Vector, provider, records)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		if err := a.openMetrics(cfg.Telemetry); err != nil {
			return err
		}
	}

	reranker, err := newReranker(cfg.Rerank)
	if err != nil {
		return err
	}
	a.Reranker = reranker

	opts := []search.EngineOption{search.WithReranker(a.Reranker)}
	if a.Metrics != nil {
		opts = append(opts, search.WithMetrics(a.Metrics))
	}
	engine, err := search.NewEngine(vector, lexical, a.Cache, EngineConfig(cfg), opts...)
	if err != nil {
		return err
	}
	a.Engine = engine

	slog.Info("app_ready",
		slog.String("vector_backend", cfg.Vector.Backend),
		slog.String("lexical_backend", cfg.Lexical.Backend),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.Bool("reranking", a.Reranker.Enabled()),
		slog.Bool("telemetry", a.Metrics != nil),
		slog.Duration("startup", time.Since(start)))
	return nil
}

// EngineConfig maps the retrieval and rerank sections onto the engine.
func EngineConfig(cfg *config.Config) search.EngineConfig {
	return search.EngineConfig{
		VectorTopK:     cfg.Retrieval.VectorTopK,
		LexicalTopK:    cfg.Retrieval.LexicalTopK,
		RRFConstant:    cfg.Retrieval.RRFConstant,
		DefaultK:       cfg.Retrieval.DefaultK,
		RerankTopK:     cfg.Rerank.TopK,
		VectorTimeout:  cfg.Retrieval.VectorTimeout,
		LexicalTimeout: cfg.Retrieval.LexicalTimeout,
		RequestTimeout: cfg.Retrieval.RequestTimeout,
	}
}

// ServerConfig describes the app for the HTTP boundary.
func (a *App) ServerConfig() server.Config {
	cfg := a.Config
	return server.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		VectorBackend:       cfg.Vector.Backend,
		LexicalBackend:      cfg.Lexical.Backend,
		EmbeddingModel:      a.Cache.ModelName(),
		EmbeddingDimensions: a.Cache.Dimensions(),
		RRFConstant:         cfg.Retrieval.RRFConstant,
		VectorTopK:          cfg.Retrieval.VectorTopK,
		LexicalTopK:         cfg.Retrieval.LexicalTopK,
		RerankTopK:          cfg.Rerank.TopK,
		RerankingEnabled:    a.Reranker.Enabled(),
	}
}

// NewHTTPServer returns the HTTP server bound to this app.
func (a *App) NewHTTPServer() *server.Server {
	opts := []server.Option{
		server.WithCorpus(a.Corpus),
		server.WithCache(a.Cache),
	}
	if a.Metrics != nil {
		opts = append(opts, server.WithMetrics(a.Metrics))
	}
	return server.New(a.ServerConfig(), a.Engine, opts...)
}

// Close releases every opened component, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// NewProvider builds the embedding provider named by the embedding section.
func NewProvider(cfg config.EmbeddingConfig) (embed.Provider, error) {
	typ, err := embed.ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return embed.NewProvider(embed.ProviderConfig{
		Type:       typ,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	})
}

// openCorpus opens the chunk source. A snapshot also yields the records
// (with embeddings) the in-process vector index is built from.
func (a *App) openCorpus(ctx context.Context, cfg config.CorpusConfig) ([]store.Record, error) {
	switch {
	case cfg.SQLitePath != "":
		corpus, err := store.OpenSQLiteCorpus(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite corpus: %w", err)
		}
		a.onClose("sqlite corpus", corpus.Close)
		a.Corpus = corpus

		chunks, err := corpus.Scan(ctx, 0, nil)
		if err != nil {
			return nil, err
		}
		records := make([]store.Record, len(chunks))
		for i, ch := range chunks {
			records[i] = store.Record{Chunk: ch}
		}
		slog.Info("corpus_loaded", slog.String("source", "sqlite"), slog.Int("chunks", len(chunks)))
		return records, nil

	case cfg.Path != "":
		records, err := store.LoadSnapshot(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.Corpus = store.NewMemoryCorpus(store.Chunks(records)...)
		slog.Info("corpus_loaded", slog.String("source", "snapshot"), slog.Int("chunks", len(records)))
		return records, nil

	default:
		slog.Warn("corpus_empty", slog.String("hint", "set corpus.path or corpus.sqlite_path"))
		a.Corpus = store.NewMemoryCorpus()
		return nil, nil
	}
}

func (a *App) openLexical(ctx context.Context, cfg config.LexicalConfig) (store.LexicalSearcher, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.LexicalBackendBleve:
		idx, err := store.NewBleveIndex()
		if err != nil {
			return nil, err
		}
		a.onClose("bleve index", idx.Close)

		chunks, err := a.Corpus.Scan(ctx, 0, nil)
		if err != nil {
			return nil, err
		}
		if err := idx.Index(ctx, chunks...); err != nil {
			return nil, err
		}
		return idx, nil

	default:
		bm25, err := store.NewScanBM25(a.Corpus, store.BM25Config{
			K1:        cfg.K1,
			B:         cfg.B,
			ScanLimit: cfg.ScanLimit,
			Workers:   cfg.Workers,
		})
		if err != nil {
			return nil, err
		}
		a.onClose("scan bm25", bm25.Close)
		return bm25, nil
	}
}

func (a *App) openVector(ctx context.Context, cfg config.VectorConfig, provider embed.Provider, records []store.Record) (store.VectorSearcher, error) {
	if strings.EqualFold(cfg.Backend, config.VectorBackendPgVector) {
		idx, err := store.OpenPgVectorIndex(ctx, cfg.PostgresDSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		a.onClose("pgvector", idx.Close)
		if err := idx.EnsureSchema(ctx, provider.Dimensions()); err != nil {
			return nil, err
		}
		return idx, nil
	}

	idx, err := store.NewHNSWIndex(store.HNSWConfig{
		Dimensions: provider.Dimensions(),
		M:          cfg.HNSWM,
		EfSearch:   cfg.EfSearch,
	})
	if err != nil {
		return nil, err
	}
	fillEmbeddings(ctx, provider, records)
	if err := idx.Add(records...); err != nil {
		return nil, fmt.Errorf("build hnsw index: %w", err)
	}
	slog.Info("vector_index_built", slog.Int("vectors", idx.Len()))
	return idx, nil
}

// fillEmbeddings embeds records that arrived without a vector. The first
// provider failure stops the fill; those records stay lexical-only.
func fillEmbeddings(ctx context.Context, provider embed.Provider, records []store.Record) {
	var missing []int
	for i := range records {
		if len(records[i].Embedding) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for _, i := range missing {
		g.Go(func() error {
			vec, err := provider.Embed(gctx, records[i].Content)
			if err != nil {
				return err
			}
			records[i].Embedding = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("embedding_fill_incomplete",
			slog.Int("missing", len(missing)),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("embedding_fill_complete", slog.Int("embedded", len(missing)))
}

func (a *App) openMetrics(cfg config.TelemetryConfig) error {
	var metricsStore telemetry.QueryMetricsStore
	if cfg.SQLitePath != "" {
		s, err := telemetry.OpenSQLiteMetricsStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open telemetry store: %w", err)
		}
		metricsStore = s
	}

	mcfg := telemetry.DefaultQueryMetricsConfig()
	mcfg.FlushInterval = cfg.FlushInterval
	// Close flushes pending deltas and closes the store.
	a.Metrics = telemetry.NewQueryMetricsWithConfig(metricsStore, mcfg)
	a.onClose("query metrics", a.Metrics.Close)
	return nil
}

func newReranker(cfg config.RerankConfig) (*search.Reranker, error) {
	if !cfg.Enabled {
		return search.NewReranker(nil, false), nil
	}
	model, err := search.NewHTTPScoringModel(search.HTTPScoringModelConfig{
		Endpoint: cfg.Endpoint,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return search.NewReranker(model, true), nil
}
