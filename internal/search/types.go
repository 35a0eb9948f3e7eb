// Package search implements hybrid retrieval: concurrent vector and lexical
// search, Reciprocal Rank Fusion (RRF) of the ranked lists, optional
// cross-encoder reranking, and a diagnostic trace of every stage.
package search

import (
	"time"

	"github.com/Aman-CERP/amanrag/internal/store"
)

// State is a step of the retrieval pipeline.
type State string

const (
	StateInit   State = "INIT"
	StateFanout State = "FANOUT"
	StateFuse   State = "FUSE"
	StateRerank State = "RERANK"
	StateDone   State = "DONE"
	StateError  State = "ERROR"
)

// Request is one retrieval call.
type Request struct {
	// Query is the raw query text. Whitespace is normalized; empty is invalid.
	Query string

	// K is the number of chunks to return (0 = engine default).
	K int

	// Filters restricts both legs to chunks whose metadata matches.
	Filters store.Filters
}

// Timings holds per-stage latency for one request.
type Timings struct {
	Embedding time.Duration
	Vector    time.Duration
	Lexical   time.Duration
	Fusion    time.Duration
	Rerank    time.Duration
	// Retrieval covers fan-out through fusion.
	Retrieval time.Duration
	Total     time.Duration
}

// Stages returns the non-zero timings keyed by stage name.
func (t Timings) Stages() map[string]time.Duration {
	stages := map[string]time.Duration{
		"embedding": t.Embedding,
		"vector":    t.Vector,
		"lexical":   t.Lexical,
		"fusion":    t.Fusion,
		"rerank":    t.Rerank,
		"retrieval": t.Retrieval,
		"total":     t.Total,
	}
	for name, d := range stages {
		if d == 0 {
			delete(stages, name)
		}
	}
	return stages
}

// Result is the ranked answer to a Request.
type Result struct {
	RequestID string
	Query     string
	Chunks    []store.ScoredChunk
	Timings   Timings

	// Methods lists the legs that contributed a ranked list.
	Methods []store.RetrievalMethod
	// Hybrid is true when both legs contributed.
	Hybrid bool
	// Reranked is true when the reranker rescored the results.
	Reranked bool
	// RerankFailed is true when reranking was attempted and fell back.
	RerankFailed bool
	// Degraded is true when a leg failed and the result came from the other.
	Degraded bool
}

// EngineConfig configures retrieval.
type EngineConfig struct {
	VectorTopK  int
	LexicalTopK int
	RRFConstant int
	DefaultK    int
	RerankTopK  int

	VectorTimeout  time.Duration
	LexicalTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		VectorTopK:     12,
		LexicalTopK:    12,
		RRFConstant:    DefaultRRFConstant,
		DefaultK:       8,
		RerankTopK:     8,
		VectorTimeout:  2 * time.Second,
		LexicalTimeout: 2 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultEngineConfig.
func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.VectorTopK <= 0 {
		c.VectorTopK = d.VectorTopK
	}
	if c.LexicalTopK <= 0 {
		c.LexicalTopK = d.LexicalTopK
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = d.RRFConstant
	}
	if c.DefaultK <= 0 {
		c.DefaultK = d.DefaultK
	}
	if c.VectorTimeout <= 0 {
		c.VectorTimeout = d.VectorTimeout
	}
	if c.LexicalTimeout <= 0 {
		c.LexicalTimeout = d.LexicalTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Milliseconds returns every stage timing in fractional milliseconds,
// including stages that did not run.
func (t Timings) Milliseconds() map[string]float64 {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]float64{
		"embedding": ms(t.Embedding),
		"vector":    ms(t.Vector),
		"lexical":   ms(t.Lexical),
		"fusion":    ms(t.Fusion),
		"rerank":    ms(t.Rerank),
		"retrieval": ms(t.Retrieval),
		"total":     ms(t.Total),
	}
}
