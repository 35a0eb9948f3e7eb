package search

import (
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// Trace sizing.
const (
	TraceTopN         = 5
	TracePreviewChars = 200
)

// TraceHit is one chunk as shown in a trace.
type TraceHit struct {
	Rank     int                   `json:"rank"`
	Content  string                `json:"content"`
	Score    float64               `json:"score"`
	Method   store.RetrievalMethod `json:"retrieval_method"`
	Metadata store.Metadata        `json:"metadata"`
	// Ranks is the 0-based rank in [vector, lexical], -1 when absent. Fused hits only.
	Ranks []int `json:"source_ranks,omitempty"`
}

// RetrievalTrace records what each stage produced for one request.
// It is built per request and never persisted.
type RetrievalTrace struct {
	RequestID       string                  `json:"request_id"`
	Query           string                  `json:"query"`
	NormalizedQuery string                  `json:"normalized_query"`
	States          []State                 `json:"states"`
	VectorHits      []TraceHit              `json:"vector_hits"`
	LexicalHits     []TraceHit              `json:"lexical_hits"`
	Fused           []TraceHit              `json:"fused"`
	Reranked        []TraceHit              `json:"reranked"`
	TotalResults    int                     `json:"total_results"`
	Methods         []store.RetrievalMethod `json:"methods"`
	LegErrors       map[string]string       `json:"leg_errors,omitempty"`
	Timings         Timings                 `json:"-"`
}

func newTrace(requestID, query, normalized string) *RetrievalTrace {
	return &RetrievalTrace{
		RequestID:       requestID,
		Query:           query,
		NormalizedQuery: normalized,
		VectorHits:      []TraceHit{},
		LexicalHits:     []TraceHit{},
		Fused:           []TraceHit{},
		Reranked:        []TraceHit{},
		LegErrors:       map[string]string{},
	}
}

// The recording methods are nil-safe so the pipeline can call them
// unconditionally; Retrieve passes a nil trace.

func (t *RetrievalTrace) enter(s State) {
	if t != nil {
		t.States = append(t.States, s)
	}
}

func (t *RetrievalTrace) legError(leg string, err error) {
	if t != nil && err != nil {
		t.LegErrors[leg] = err.Error()
	}
}

func (t *RetrievalTrace) recordLegs(vector, lexical []store.ScoredChunk) {
	if t == nil {
		return
	}
	t.VectorHits = traceHits(store.Truncate(vector, TraceTopN))
	t.LexicalHits = traceHits(store.Truncate(lexical, TraceTopN))
}

func (t *RetrievalTrace) recordFused(fused []FusedChunk) {
	if t == nil {
		return
	}
	n := min(len(fused), TraceTopN)
	t.Fused = make([]TraceHit, n)
	for i := 0; i < n; i++ {
		hit := traceHit(i, fused[i].ScoredChunk)
		hit.Ranks = fused[i].Ranks
		t.Fused[i] = hit
	}
}

func (t *RetrievalTrace) recordReranked(reranked []store.ScoredChunk) {
	if t != nil {
		t.Reranked = traceHits(reranked)
	}
}

func (t *RetrievalTrace) finish(res *Result) {
	if t == nil || res == nil {
		return
	}
	t.TotalResults = len(res.Chunks)
	t.Methods = res.Methods
	t.Timings = res.Timings
}

func traceHits(chunks []store.ScoredChunk) []TraceHit {
	hits := make([]TraceHit, len(chunks))
	for i, c := range chunks {
		hits[i] = traceHit(i, c)
	}
	return hits
}

func traceHit(rank int, c store.ScoredChunk) TraceHit {
	return TraceHit{
		Rank:     rank,
		Content:  logging.Preview(c.Content, TracePreviewChars),
		Score:    c.Score,
		Method:   c.Method,
		Metadata: c.Metadata,
	}
}
