package store

import (
	"context"
	"sync"
)

// MemoryCorpus is an in-process CorpusSource backed by a slice.
// Scan order is insertion order.
type MemoryCorpus struct {
	mu     sync.RWMutex
	chunks []Chunk
}

// NewMemoryCorpus creates a corpus holding the given chunks.
func NewMemoryCorpus(chunks ...Chunk) *MemoryCorpus {
	c := &MemoryCorpus{}
	c.Add(chunks...)
	return c
}

// Add appends chunks. Chunks with empty content are skipped.
func (c *MemoryCorpus) Add(chunks ...Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chunks {
		if ch.Content == "" {
			continue
		}
		c.chunks = append(c.chunks, ch)
	}
}

// Scan returns at most limit chunks matching filters. limit <= 0 means all.
func (c *MemoryCorpus) Scan(ctx context.Context, limit int, filters Filters) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Chunk, 0, min(len(c.chunks), max(limit, 0)))
	for _, ch := range c.chunks {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filters.Match(ch.Metadata) {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Count returns the number of chunks held.
func (c *MemoryCorpus) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks), nil
}

var _ CorpusSource = (*MemoryCorpus)(nil)
