package server

import (
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// QueryRequest is the body of POST /query and POST /explain.
type QueryRequest struct {
	Query   string         `json:"query"`
	K       *int           `json:"k,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
	Explain bool           `json:"explain,omitempty"`
}

// ContextResponse is one retrieved passage.
type ContextResponse struct {
	Content         string         `json:"content"`
	Score           float64        `json:"score"`
	RetrievalMethod string         `json:"retrieval_method"`
	Metadata        map[string]any `json:"metadata"`
}

// RetrieverConfig describes how the answer was produced.
type RetrieverConfig struct {
	Hybrid    bool `json:"hybrid"`
	Reranking bool `json:"reranking"`
}

// QueryMetadata summarizes a query response.
type QueryMetadata struct {
	NumContexts     int             `json:"num_contexts"`
	Methods         []string        `json:"methods"`
	Degraded        bool            `json:"degraded"`
	Reranked        bool            `json:"reranked"`
	RerankFailed    bool            `json:"rerank_failed"`
	RetrieverConfig RetrieverConfig `json:"retriever_config"`
}

// QueryResponse is the body returned by POST /query.
type QueryResponse struct {
	RequestID string                 `json:"request_id"`
	Query     string                 `json:"query"`
	Contexts  []ContextResponse      `json:"contexts"`
	TimingsMs map[string]float64     `json:"timings_ms"`
	Metadata  QueryMetadata          `json:"metadata"`
	Trace     *search.RetrievalTrace `json:"trace,omitempty"`
}

// ExplainResponse is the body returned by POST /explain.
type ExplainResponse struct {
	RequestID       string             `json:"request_id"`
	Query           string             `json:"query"`
	NormalizedQuery string             `json:"normalized_query"`
	States          []search.State     `json:"states"`
	VectorHits      []search.TraceHit  `json:"vector_hits"`
	LexicalHits     []search.TraceHit  `json:"lexical_hits"`
	Fused           []search.TraceHit  `json:"fused"`
	Reranked        []search.TraceHit  `json:"reranked"`
	TotalResults    int                `json:"total_results"`
	Methods         []string           `json:"methods"`
	LegErrors       map[string]string  `json:"leg_errors,omitempty"`
	TimingsMs       map[string]float64 `json:"timings_ms"`
}

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewQueryResponse shapes a retrieval result for JSON clients. The CLI
// uses it for --json so both surfaces print the same document.
func NewQueryResponse(res *search.Result, reranking bool) QueryResponse {
	contexts := make([]ContextResponse, 0, len(res.Chunks))
	for _, c := range res.Chunks {
		md := map[string]any(c.Metadata)
		if md == nil {
			md = map[string]any{}
		}
		contexts = append(contexts, ContextResponse{
			Content:         c.Content,
			Score:           c.Score,
			RetrievalMethod: string(c.Method),
			Metadata:        md,
		})
	}
	return QueryResponse{
		RequestID: res.RequestID,
		Query:     res.Query,
		Contexts:  contexts,
		TimingsMs: res.Timings.Milliseconds(),
		Metadata: QueryMetadata{
			NumContexts:  len(contexts),
			Methods:      methodNames(res.Methods),
			Degraded:     res.Degraded,
			Reranked:     res.Reranked,
			RerankFailed: res.RerankFailed,
			RetrieverConfig: RetrieverConfig{
				Hybrid:    res.Hybrid,
				Reranking: reranking,
			},
		},
	}
}

func toExplainResponse(trace *search.RetrievalTrace) ExplainResponse {
	return ExplainResponse{
		RequestID:       trace.RequestID,
		Query:           trace.Query,
		NormalizedQuery: trace.NormalizedQuery,
		States:          trace.States,
		VectorHits:      trace.VectorHits,
		LexicalHits:     trace.LexicalHits,
		Fused:           trace.Fused,
		Reranked:        trace.Reranked,
		TotalResults:    trace.TotalResults,
		Methods:         methodNames(trace.Methods),
		LegErrors:       trace.LegErrors,
		TimingsMs:       trace.Timings.Milliseconds(),
	}
}

func methodNames(methods []store.RetrievalMethod) []string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return names
}
