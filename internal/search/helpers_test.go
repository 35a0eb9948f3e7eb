package search

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/amanrag/internal/store"
)

// chunk builds a ScoredChunk whose content doubles as its content_hash.
func chunk(id string, score float64, method store.RetrievalMethod) store.ScoredChunk {
	return store.ScoredChunk{
		Chunk: store.Chunk{
			Content: "content of " + id,
			Metadata: store.Metadata{
				store.MetaDocID:       "doc-" + id,
				store.MetaContentHash: id,
			},
		},
		Score:  score,
		Method: method,
	}
}

// ranked builds a list in rank order with descending scores.
func ranked(method store.RetrievalMethod, ids ...string) []store.ScoredChunk {
	out := make([]store.ScoredChunk, len(ids))
	for i, id := range ids {
		out[i] = chunk(id, float64(len(ids)-i), method)
	}
	return out
}

// hashes returns the content_hash of each chunk, in order.
func hashes(chunks []store.ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ContentHash()
	}
	return out
}

// fakeVector is a VectorSearcher returning a fixed list or error.
type fakeVector struct {
	results []store.ScoredChunk
	err     error
	delay   time.Duration
	calls   atomic.Int32
	gotK    atomic.Int32
}

func (f *fakeVector) Search(ctx context.Context, _ []float32, k int, _ store.Filters) ([]store.ScoredChunk, error) {
	f.calls.Add(1)
	f.gotK.Store(int32(k))
	if f.delay > 0 {
		// Ignores ctx on purpose to exercise the leg deadline.
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return store.Truncate(f.results, k), nil
}

// fakeLexical is a LexicalSearcher returning a fixed list or error.
type fakeLexical struct {
	results    []store.ScoredChunk
	err        error
	delay      time.Duration
	calls      atomic.Int32
	gotFilters store.Filters
}

func (f *fakeLexical) Search(ctx context.Context, _ string, k int, filters store.Filters) ([]store.ScoredChunk, error) {
	f.calls.Add(1)
	f.gotFilters = filters
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return store.Truncate(f.results, k), nil
}

// fakeEmbedder returns a fixed vector or error.
type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) GetOrCompute(_ context.Context, _ string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

// fakeModel scores passages from a lookup table keyed by content.
type fakeModel struct {
	scores map[string]float64
	err    error
	short  bool
	calls  atomic.Int32
}

func (m *fakeModel) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = m.scores[p]
	}
	if m.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}
