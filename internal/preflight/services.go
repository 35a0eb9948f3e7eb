package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Aman-CERP/amanrag/internal/app"
	"github.com/Aman-CERP/amanrag/internal/config"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

const probeText = "amanrag preflight probe"

// CheckConfig validates cfg.
func (c *Checker) CheckConfig(cfg *config.Config) CheckResult {
	result := CheckResult{
		Name:     "config",
		Required: true,
	}
	if err := cfg.Validate(); err != nil {
		result.Status = StatusFail
		result.Message = "invalid configuration"
		var ae *amerrors.Error
		if errors.As(err, &ae) && ae.Cause != nil {
			result.Details = strings.ReplaceAll(ae.Cause.Error(), "\n", "; ")
		} else {
			result.Details = err.Error()
		}
		return result
	}
	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckCorpus checks that the configured chunk source is readable.
func (c *Checker) CheckCorpus(ctx context.Context, cfg config.CorpusConfig) CheckResult {
	result := CheckResult{
		Name:     "corpus",
		Required: true,
	}

	switch {
	case cfg.SQLitePath != "":
		result.Details = "SQLite: " + cfg.SQLitePath
		// Opening would create an empty database, so require the file first.
		if _, err := os.Stat(cfg.SQLitePath); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("corpus database not found: %v", err)
			return result
		}
		corpus, err := store.OpenSQLiteCorpus(cfg.SQLitePath)
		if err != nil {
			result.Status = StatusFail
			result.Message = err.Error()
			return result
		}
		defer func() { _ = corpus.Close() }()

		n, err := corpus.Count(ctx)
		if err != nil {
			result.Status = StatusFail
			result.Message = err.Error()
			return result
		}
		return corpusSize(result, n, -1)

	case cfg.Path != "":
		result.Details = "Snapshot: " + cfg.Path
		records, err := store.LoadSnapshot(cfg.Path)
		if err != nil {
			result.Status = StatusFail
			result.Message = err.Error()
			return result
		}
		embedded := 0
		for _, r := range records {
			if len(r.Embedding) > 0 {
				embedded++
			}
		}
		return corpusSize(result, len(records), embedded)

	default:
		result.Status = StatusWarn
		result.Message = "no corpus configured; every query returns no results"
		result.Details = "Set corpus.path or corpus.sqlite_path"
		return result
	}
}

// corpusSize finishes a corpus result. embedded < 0 means unknown.
func corpusSize(result CheckResult, n, embedded int) CheckResult {
	switch {
	case n == 0:
		result.Status = StatusWarn
		result.Message = "corpus is empty"
	case embedded >= 0:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%d chunks (%d with embeddings)", n, embedded)
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%d chunks", n)
	}
	return result
}

// CheckEmbedding embeds a probe string. An unreachable provider only warns:
// the engine serves lexical-only results while it is down.
func (c *Checker) CheckEmbedding(ctx context.Context, cfg config.EmbeddingConfig) CheckResult {
	result := CheckResult{
		Name:     "embedding",
		Required: true,
	}

	provider, err := app.NewProvider(cfg)
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	result.Details = fmt.Sprintf("Provider: %s, model: %s", cfg.Provider, provider.ModelName())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	vec, err := provider.Embed(ctx, probeText)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("provider unreachable, vector leg will degrade: %v", err)
		return result
	}
	if len(vec) != provider.Dimensions() {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("provider returned %d dimensions, expected %d", len(vec), provider.Dimensions())
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d dimensions in %s", len(vec), time.Since(start).Round(time.Millisecond))
	return result
}

// CheckVectorBackend checks the dense index backend. pgvector must accept
// a connection; the in-process index has nothing to probe.
func (c *Checker) CheckVectorBackend(ctx context.Context, cfg config.VectorConfig, dims int) CheckResult {
	result := CheckResult{
		Name:     "vector_backend",
		Required: true,
	}

	if !strings.EqualFold(cfg.Backend, config.VectorBackendPgVector) {
		result.Status = StatusPass
		result.Message = fmt.Sprintf("in-process HNSW (m=%d, ef_search=%d, dims=%d)", cfg.HNSWM, cfg.EfSearch, dims)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	idx, err := store.OpenPgVectorIndex(ctx, cfg.PostgresDSN, cfg.Table)
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	_ = idx.Close()

	result.Status = StatusPass
	result.Message = "pgvector table " + cfg.Table + " reachable"
	return result
}

// CheckReranker scores one probe pair when reranking is enabled. Failures
// warn because the engine falls back to fused order.
func (c *Checker) CheckReranker(ctx context.Context, cfg config.RerankConfig) CheckResult {
	result := CheckResult{
		Name: "reranker",
	}

	if !cfg.Enabled {
		result.Status = StatusPass
		result.Message = "disabled"
		return result
	}
	result.Details = fmt.Sprintf("Endpoint: %s, model: %s", cfg.Endpoint, cfg.Model)

	model, err := search.NewHTTPScoringModel(search.HTTPScoringModelConfig{
		Endpoint: cfg.Endpoint,
		Model:    cfg.Model,
		Timeout:  min(cfg.Timeout, c.timeout),
	})
	if err != nil {
		result.Status = StatusWarn
		result.Message = err.Error()
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	scores, err := model.Score(ctx, probeText, []string{probeText})
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("reranker unreachable, results will keep fused order: %v", err)
		return result
	}
	if len(scores) != 1 {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("reranker returned %d scores for 1 passage", len(scores))
		return result
	}

	result.Status = StatusPass
	result.Message = "OK"
	return result
}
