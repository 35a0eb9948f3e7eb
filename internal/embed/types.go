// Package embed turns query text into embedding vectors: provider clients
// (OpenAI, Ollama, a static hashing fallback) and the query embedding cache.
package embed

import (
	"context"
	"strings"
)

// Default embedding settings.
const (
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
)

// Provider generates embeddings. Implementations may fail transiently.
type Provider interface {
	// Embed returns a fixed-length vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length the provider produces.
	Dimensions() int

	// ModelName returns the model identifier, used in cache keys.
	ModelName() string
}

// NormalizeQuery trims text and collapses whitespace runs to a single space.
// Two queries that differ only in whitespace share a cache entry.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
