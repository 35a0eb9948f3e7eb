package embed

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
)

// Ollama API constants
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"

	// OllamaPoolSize for connection pool
	OllamaPoolSize = 4
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434)
	Host string

	Model string

	// Dimensions is the expected vector length (0 = accept what the model returns).
	Dimensions int

	// Timeout bounds a single HTTP attempt. The caller's context still applies.
	Timeout time.Duration

	// MaxRetries for transient failures (default: 2)
	MaxRetries int
}

// ollamaEmbedRequest is the Ollama /api/embed request
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string for batch
}

// ollamaEmbedResponse is the Ollama /api/embed response
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaProvider generates embeddings using Ollama's HTTP API.
type OllamaProvider struct {
	client *http.Client
	config OllamaConfig
	guard  guard
}

// NewOllamaProvider creates an Ollama provider. No network call is made until Embed.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	transport := &http.Transport{
		MaxIdleConns:        OllamaPoolSize,
		MaxIdleConnsPerHost: OllamaPoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	// No http.Client.Timeout: it would override the request context deadline.
	return &OllamaProvider{
		client: &http.Client{Transport: transport},
		config: cfg,
		guard:  newGuard("ollama-embed", cfg.MaxRetries),
	}
}

// Embed generates an embedding for text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := p.guard.do(ctx, func(ctx context.Context) ([]float32, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
		return p.doEmbed(attemptCtx, text)
	})
	if err != nil {
		slog.Debug("ollama_embed_failed",
			slog.String("model", p.config.Model),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, err
	}
	return vec, nil
}

func (p *OllamaProvider) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.config.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	raw := result.Embeddings[0]
	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}
	return vec, nil
}

// Dimensions returns the configured vector length.
func (p *OllamaProvider) Dimensions() int {
	return p.config.Dimensions
}

// ModelName returns the model identifier.
func (p *OllamaProvider) ModelName() string {
	return p.config.Model
}

// BreakerState reports the circuit breaker state.
func (p *OllamaProvider) BreakerState() string {
	return p.guard.BreakerState()
}

var _ Provider = (*OllamaProvider)(nil)
