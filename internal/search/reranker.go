package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// ScoringModel scores (query, passage) pairs with a cross-encoder.
// Cross-encoders jointly encode query-document pairs for more accurate
// relevance scoring than bi-encoders, but at higher computational cost.
type ScoringModel interface {
	// Score returns one relevance score per passage, in passage order.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Reranker reorders fused results with a ScoringModel.
// A nil model or a disabled reranker truncates without rescoring.
type Reranker struct {
	model   ScoringModel
	enabled bool
}

// NewReranker creates a reranker. enabled=false or model=nil disables scoring.
func NewReranker(model ScoringModel, enabled bool) *Reranker {
	return &Reranker{model: model, enabled: enabled && model != nil}
}

// Enabled reports whether Rerank will call the model.
func (r *Reranker) Enabled() bool {
	return r != nil && r.enabled
}

// Rerank scores every chunk against query, overwrites scores, tags methods
// with the _reranked suffix and returns at most topK chunks ordered by the
// new score. topK <= 0 means no truncation.
//
// On model failure, a score count mismatch or cancellation it returns the
// input truncated to topK together with a RerankFailed error. Callers treat
// that error as a downgrade, never as a failed request.
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []store.ScoredChunk, topK int) ([]store.ScoredChunk, error) {
	fallback := store.Truncate(chunks, topK)
	if !r.Enabled() || len(chunks) == 0 {
		return fallback, nil
	}

	start := time.Now()

	passages := make([]string, len(chunks))
	for i, c := range chunks {
		passages[i] = c.Content
	}

	scores, err := r.model.Score(ctx, query, passages)
	if err == nil && len(scores) != len(chunks) {
		err = fmt.Errorf("model returned %d scores for %d passages", len(scores), len(chunks))
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		slog.Warn("rerank_fallback",
			slog.String("query", logging.Preview(query, logging.PreviewLength)),
			slog.Int("candidates", len(chunks)),
			slog.String("error", err.Error()))
		return fallback, amerrors.RerankFailed(err)
	}

	reranked := make([]store.ScoredChunk, len(chunks))
	for i, c := range chunks {
		reranked[i] = store.ScoredChunk{
			Chunk:  c.Chunk,
			Score:  scores[i],
			Method: c.Method.Reranked(),
		}
	}
	store.SortByScore(reranked)

	slog.Debug("rerank_complete",
		slog.Int("candidates", len(chunks)),
		slog.Int("top_k", topK),
		slog.Duration("elapsed", time.Since(start)))

	return store.Truncate(reranked, topK), nil
}
