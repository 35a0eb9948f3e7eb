package mcp

import (
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// MaxK bounds the number of chunks a tool call may ask for.
const MaxK = 50

// RetrieveInput defines the input schema for the retrieve and explain_retrieval tools.
type RetrieveInput struct {
	Query   string         `json:"query" jsonschema:"the natural-language query"`
	K       int            `json:"k,omitempty" jsonschema:"number of passages to return; server default when omitted"`
	Filters map[string]any `json:"filters,omitempty" jsonschema:"exact-match metadata constraints keyed by metadata field"`
}

// ContextOutput is one retrieved passage.
type ContextOutput struct {
	Content         string         `json:"content" jsonschema:"passage text"`
	Score           float64        `json:"score" jsonschema:"score from the stage named in retrieval_method"`
	RetrievalMethod string         `json:"retrieval_method" jsonschema:"vector, lexical, hybrid_rrf or hybrid_rrf_reranked"`
	Metadata        map[string]any `json:"metadata" jsonschema:"chunk metadata such as doc_id and chunk_index"`
}

// RetrieveOutput defines the output schema for the retrieve tool.
type RetrieveOutput struct {
	RequestID    string             `json:"request_id"`
	Query        string             `json:"query"`
	Contexts     []ContextOutput    `json:"contexts" jsonschema:"passages, best first"`
	Methods      []string           `json:"methods" jsonschema:"search legs that contributed"`
	Hybrid       bool               `json:"hybrid"`
	Reranked     bool               `json:"reranked"`
	RerankFailed bool               `json:"rerank_failed"`
	Degraded     bool               `json:"degraded" jsonschema:"true when one search leg failed"`
	TimingsMs    map[string]float64 `json:"timings_ms"`
}

// HitOutput is one chunk as shown in a trace.
type HitOutput struct {
	Rank            int            `json:"rank"`
	Content         string         `json:"content" jsonschema:"first 200 characters"`
	Score           float64        `json:"score"`
	RetrievalMethod string         `json:"retrieval_method"`
	Metadata        map[string]any `json:"metadata"`
	SourceRanks     []int          `json:"source_ranks,omitempty" jsonschema:"0-based rank in [vector, lexical], -1 when absent"`
}

// ExplainOutput defines the output schema for the explain_retrieval tool.
type ExplainOutput struct {
	RequestID       string             `json:"request_id"`
	Query           string             `json:"query"`
	NormalizedQuery string             `json:"normalized_query"`
	States          []string           `json:"states"`
	VectorHits      []HitOutput        `json:"vector_hits"`
	LexicalHits     []HitOutput        `json:"lexical_hits"`
	Fused           []HitOutput        `json:"fused"`
	Reranked        []HitOutput        `json:"reranked"`
	TotalResults    int                `json:"total_results"`
	Methods         []string           `json:"methods"`
	LegErrors       map[string]string  `json:"leg_errors"`
	TimingsMs       map[string]float64 `json:"timings_ms"`
}

// toRetrieveOutput converts an engine result.
func toRetrieveOutput(res *search.Result) RetrieveOutput {
	out := RetrieveOutput{
		RequestID:    res.RequestID,
		Query:        res.Query,
		Contexts:     make([]ContextOutput, 0, len(res.Chunks)),
		Methods:      methodNames(res.Methods),
		Hybrid:       res.Hybrid,
		Reranked:     res.Reranked,
		RerankFailed: res.RerankFailed,
		Degraded:     res.Degraded,
		TimingsMs:    res.Timings.Milliseconds(),
	}
	for _, c := range res.Chunks {
		out.Contexts = append(out.Contexts, ContextOutput{
			Content:         c.Content,
			Score:           c.Score,
			RetrievalMethod: string(c.Method),
			Metadata:        metadataOrEmpty(c.Metadata),
		})
	}
	return out
}

// toExplainOutput converts a retrieval trace.
func toExplainOutput(trace *search.RetrievalTrace) ExplainOutput {
	states := make([]string, len(trace.States))
	for i, s := range trace.States {
		states[i] = string(s)
	}
	legErrors := make(map[string]string, len(trace.LegErrors))
	for leg, msg := range trace.LegErrors {
		legErrors[leg] = msg
	}
	return ExplainOutput{
		RequestID:       trace.RequestID,
		Query:           trace.Query,
		NormalizedQuery: trace.NormalizedQuery,
		States:          states,
		VectorHits:      hitOutputs(trace.VectorHits),
		LexicalHits:     hitOutputs(trace.LexicalHits),
		Fused:           hitOutputs(trace.Fused),
		Reranked:        hitOutputs(trace.Reranked),
		TotalResults:    trace.TotalResults,
		Methods:         methodNames(trace.Methods),
		LegErrors:       legErrors,
		TimingsMs:       trace.Timings.Milliseconds(),
	}
}

func hitOutputs(hits []search.TraceHit) []HitOutput {
	out := make([]HitOutput, len(hits))
	for i, h := range hits {
		out[i] = HitOutput{
			Rank:            h.Rank,
			Content:         h.Content,
			Score:           h.Score,
			RetrievalMethod: string(h.Method),
			Metadata:        metadataOrEmpty(h.Metadata),
			SourceRanks:     h.Ranks,
		}
	}
	return out
}

func methodNames(methods []store.RetrievalMethod) []string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return names
}

func metadataOrEmpty(md store.Metadata) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}
