package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Weights for vector generation
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3

	// DefaultStaticDimensions is used when no dimension is configured.
	DefaultStaticDimensions = 256
)

// StaticProvider generates embeddings by hashing tokens and character
// n-grams into a fixed-size vector. It needs no network or model, so it
// keeps the vector leg usable offline and in tests; semantic quality is low.
type StaticProvider struct {
	dims int
}

// NewStaticProvider creates a static provider producing dims-length vectors.
func NewStaticProvider(dims int) *StaticProvider {
	if dims <= 0 {
		dims = DefaultStaticDimensions
	}
	return &StaticProvider{dims: dims}
}

// Embed returns a unit-length hashed vector. Deterministic for a given text.
func (p *StaticProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector := make([]float32, p.dims)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vector, nil
	}

	for _, token := range strings.FieldsFunc(strings.ToLower(trimmed), isSeparator) {
		vector[hashToIndex(token, p.dims)] += tokenWeight
	}
	for _, ngram := range extractNgrams(normalizeForNgrams(trimmed), ngramSize) {
		vector[hashToIndex(ngram, p.dims)] += ngramWeight
	}

	return normalizeVector(vector), nil
}

// Dimensions returns the embedding dimension.
func (p *StaticProvider) Dimensions() int {
	return p.dims
}

// ModelName returns the model identifier.
func (p *StaticProvider) ModelName() string {
	return "static"
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// normalizeForNgrams keeps only lowercase letters and digits.
func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// extractNgrams extracts n-rune sliding windows.
func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return []string{}
	}

	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

// hashToIndex uses FNV-64 to map a string to an index.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

var _ Provider = (*StaticProvider)(nil)
