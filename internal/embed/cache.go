package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// Cache configuration defaults.
const (
	// DefaultCacheCapacity at 1536 dims * 4 bytes * 1000 entries is about 6MB.
	DefaultCacheCapacity = 1000
	DefaultCacheTTL      = time.Hour

	// DefaultComputeTimeout bounds a shared provider call once it is
	// detached from the caller that started it.
	DefaultComputeTimeout = 30 * time.Second
)

var errEmptyText = errors.New("text is empty after normalization")

// CacheEntry is a cached embedding and when it was computed.
type CacheEntry struct {
	Embedding []float32
	CreatedAt time.Time
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache memoizes query text -> embedding lookups in a bounded LRU with TTL.
// It is the only mutable state shared between concurrent retrievals and is
// safe for concurrent use.
type Cache struct {
	provider Provider
	lru      *expirable.LRU[string, CacheEntry]
	group    singleflight.Group
	now      func() time.Time
	timeout  time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wraps provider with an LRU of the given capacity and TTL.
// Non-positive values fall back to the defaults.
func NewCache(provider Provider, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		provider: provider,
		lru:      expirable.NewLRU[string, CacheEntry](capacity, nil, ttl),
		now:      time.Now,
		timeout:  DefaultComputeTimeout,
	}
}

// cacheKey hashes normalized text together with the model name.
func (c *Cache) cacheKey(normalized string) string {
	hash := sha256.Sum256([]byte(normalized + "\x00" + c.provider.ModelName()))
	return hex.EncodeToString(hash[:])
}

// GetOrCompute returns the embedding for text, calling the provider only on a
// miss. Concurrent misses for the same text share one provider call, which
// runs detached from any single caller; each caller stops waiting when its own
// ctx is done. Provider failures and malformed vectors are returned as
// EmbeddingUnavailable and are never cached.
func (c *Cache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	normalized := NormalizeQuery(text)
	if normalized == "" {
		return nil, amerrors.EmbeddingUnavailable(errEmptyText)
	}
	key := c.cacheKey(normalized)

	if entry, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return cloneVector(entry.Embedding), nil
	}
	c.misses.Add(1)

	// Values such as trace IDs carry over; cancellation does not.
	callCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Another caller may have filled the entry while we waited for the group.
		if entry, ok := c.lru.Get(key); ok {
			return entry.Embedding, nil
		}

		embedCtx, cancel := context.WithTimeout(callCtx, c.timeout)
		defer cancel()
		vec, err := c.provider.Embed(embedCtx, normalized)
		if err != nil {
			return nil, err
		}
		if err := c.validate(vec); err != nil {
			return nil, err
		}

		stored := cloneVector(vec)
		c.lru.Add(key, CacheEntry{Embedding: stored, CreatedAt: c.now()})
		return stored, nil
	})

	select {
	case <-ctx.Done():
		return nil, amerrors.EmbeddingUnavailable(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if amerrors.IsCode(res.Err, amerrors.ErrCodeEmbeddingUnavailable) {
				return nil, res.Err
			}
			return nil, amerrors.EmbeddingUnavailable(res.Err)
		}
		return cloneVector(res.Val.([]float32)), nil
	}
}

func (c *Cache) validate(vec []float32) error {
	if len(vec) == 0 {
		return errors.New("provider returned an empty vector")
	}
	if dims := c.provider.Dimensions(); dims > 0 && len(vec) != dims {
		return fmt.Errorf("provider returned %d dimensions, expected %d", len(vec), dims)
	}
	var norm float64
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return errors.New("provider returned a non-finite value")
		}
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return errors.New("provider returned a zero vector")
	}
	return nil
}

// Peek returns the cached entry for text without touching recency or stats.
func (c *Cache) Peek(text string) (CacheEntry, bool) {
	return c.lru.Peek(c.cacheKey(NormalizeQuery(text)))
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns size and hit/miss counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Size:   c.lru.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// ModelName returns the wrapped provider's model.
func (c *Cache) ModelName() string {
	return c.provider.ModelName()
}

// Dimensions returns the wrapped provider's vector length.
func (c *Cache) Dimensions() int {
	return c.provider.Dimensions()
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
