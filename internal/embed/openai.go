package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible embedding provider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for OpenAI-compatible servers.
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIProvider generates embeddings through the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
	config OpenAIConfig
	guard  guard
}

// NewOpenAIProvider creates a provider. An empty API key is allowed for
// local OpenAI-compatible servers that do not authenticate.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		guard:  newGuard("openai-embed", cfg.MaxRetries),
	}
}

// Embed generates an embedding for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.guard.do(ctx, func(ctx context.Context) ([]float32, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()

		resp, err := p.client.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
			Input:      []string{text},
			Model:      openai.EmbeddingModel(p.config.Model),
			Dimensions: p.config.Dimensions,
		})
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding returned")
		}
		return resp.Data[0].Embedding, nil
	})
}

// classifyOpenAIError maps API errors onto StatusError so the retry policy
// can tell permanent failures from transient ones.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai embeddings: %w", &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai embeddings: %w", &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()})
	}
	return fmt.Errorf("openai embeddings: %w", err)
}

// Dimensions returns the configured vector length.
func (p *OpenAIProvider) Dimensions() int {
	return p.config.Dimensions
}

// ModelName returns the model identifier.
func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

// BreakerState reports the circuit breaker state.
func (p *OpenAIProvider) BreakerState() string {
	return p.guard.BreakerState()
}

var _ Provider = (*OpenAIProvider)(nil)
