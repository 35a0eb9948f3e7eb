package embed

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOpenAI uses the OpenAI embeddings API or a compatible server.
	ProviderOpenAI ProviderType = "openai"

	// ProviderOllama uses the Ollama /api/embed endpoint.
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses hash-based embeddings (offline, no model)
	ProviderStatic ProviderType = "static"
)

// ParseProviderType maps a config string to a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	switch ProviderType(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderOllama:
		return ProviderOllama, nil
	case ProviderStatic, "":
		return ProviderStatic, nil
	default:
		return "", fmt.Errorf("unknown embedding provider %q", s)
	}
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Type       ProviderType
	Model      string
	Dimensions int
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewProvider creates the configured provider. Remote providers are lazy:
// an unreachable endpoint surfaces on the first Embed call, where it only
// costs the vector leg.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var p Provider
	switch cfg.Type {
	case ProviderOpenAI:
		p = NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
	case ProviderOllama:
		p = NewOllamaProvider(OllamaConfig{
			Host:       cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
	case ProviderStatic, "":
		p = NewStaticProvider(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Type)
	}

	slog.Info("embedding_provider_ready",
		slog.String("provider", string(cfg.Type)),
		slog.String("model", p.ModelName()),
		slog.Int("dimensions", p.Dimensions()))
	return p, nil
}
