package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// HTTP reranker configuration defaults
const (
	DefaultRerankerModel   = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	DefaultRerankerTimeout = 5 * time.Second
)

// HTTPScoringModelConfig holds configuration for the HTTP scoring model.
type HTTPScoringModelConfig struct {
	// Endpoint is the reranking server base URL; requests go to <Endpoint>/rerank.
	Endpoint string

	// Model is the cross-encoder model name sent with each request.
	Model string

	// Timeout bounds one rerank call (default: 5s).
	Timeout time.Duration
}

// HTTPScoringModel scores passages through a Jina/TEI-compatible /rerank API.
type HTTPScoringModel struct {
	client  *http.Client
	config  HTTPScoringModelConfig
	breaker *amerrors.CircuitBreaker
}

var _ ScoringModel = (*HTTPScoringModel)(nil)

// NewHTTPScoringModel creates the client. No request is made until Score.
func NewHTTPScoringModel(cfg HTTPScoringModelConfig) (*HTTPScoringModel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rerank endpoint is required")
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultRerankerModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankerTimeout
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	slog.Debug("http_reranker_created",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout))

	return &HTTPScoringModel{
		client:  client,
		config:  cfg,
		breaker: amerrors.NewCircuitBreaker("reranker", amerrors.DefaultCircuitBreakerConfig()),
	}, nil
}

// rerankRequest is the JSON request to /rerank endpoint
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// rerankResponse is the JSON response from /rerank endpoint
type rerankResponse struct {
	Results []struct {
		Index          int      `json:"index"`
		Score          *float64 `json:"score"`
		RelevanceScore *float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns one score per passage in passage order. Servers may return
// results sorted by relevance; they are mapped back by index.
func (m *HTTPScoringModel) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	return amerrors.Execute(m.breaker, func() ([]float64, error) {
		return m.doScore(ctx, query, passages)
	})
}

func (m *HTTPScoringModel) doScore(ctx context.Context, query string, passages []string) ([]float64, error) {
	start := time.Now()

	body, err := json.Marshal(rerankRequest{Model: m.config.Model, Query: query, Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, m.config.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	if len(result.Results) != len(passages) {
		return nil, fmt.Errorf("rerank returned %d results for %d passages", len(result.Results), len(passages))
	}

	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(passages) || seen[r.Index] {
			return nil, fmt.Errorf("rerank returned invalid index %d", r.Index)
		}
		switch {
		case r.Score != nil:
			scores[r.Index] = *r.Score
		case r.RelevanceScore != nil:
			scores[r.Index] = *r.RelevanceScore
		default:
			return nil, fmt.Errorf("rerank result %d has no score", r.Index)
		}
		seen[r.Index] = true
	}

	slog.Debug("reranker_http_timing",
		slog.Int("doc_count", len(passages)),
		slog.Int("payload_bytes", len(body)),
		slog.Duration("total", time.Since(start)))

	return scores, nil
}

// BreakerState reports the circuit breaker state for health output.
func (m *HTTPScoringModel) BreakerState() string {
	return m.breaker.State()
}
