package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// handleRoot handles GET /
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "amanrag hybrid retrieval API",
		"version": version.Version,
		"endpoints": gin.H{
			"health":  "/health",
			"query":   "/query",
			"explain": "/explain",
			"stats":   "/stats",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":          "healthy",
		"retriever_ready": s.retriever != nil,
		"version":         version.Version,
	}
	if s.retriever == nil {
		resp["status"] = "unhealthy"
		c.JSON(http.StatusOK, resp)
		return
	}

	index := gin.H{
		"vector_backend":  s.config.VectorBackend,
		"lexical_backend": s.config.LexicalBackend,
	}
	if s.corpus != nil {
		size, err := s.corpus.Count(c.Request.Context())
		if err != nil {
			s.logger.Warn("health_corpus_count_failed", slog.String("error", err.Error()))
			resp["status"] = "unhealthy"
			resp["retriever_ready"] = false
		} else {
			index["corpus_size"] = size
		}
	}
	resp["index"] = index
	c.JSON(http.StatusOK, resp)
}

// handleQuery handles POST /query
func (s *Server) handleQuery(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var (
		res   *search.Result
		trace *search.RetrievalTrace
		err   error
	)
	if req.explain {
		res, trace, err = s.retriever.Explain(ctx, req.Request)
	} else {
		res, err = s.retriever.Retrieve(ctx, req.Request)
	}
	if err != nil {
		s.writeError(c, "query", req.Query, err)
		return
	}

	resp := NewQueryResponse(res, s.config.RerankingEnabled)
	resp.Trace = trace
	c.JSON(http.StatusOK, resp)
}

// handleExplain handles POST /explain
func (s *Server) handleExplain(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}

	_, trace, err := s.retriever.Explain(c.Request.Context(), req.Request)
	if err != nil {
		s.writeError(c, "explain", req.Query, err)
		return
	}
	c.JSON(http.StatusOK, toExplainResponse(trace))
}

// handleStats handles GET /stats
func (s *Server) handleStats(c *gin.Context) {
	if s.retriever == nil {
		writeErrorJSON(c, http.StatusServiceUnavailable, amerrors.ErrCodeRetrievalUnavailable, "retriever not initialized")
		return
	}

	cache := gin.H{"embedding_cache_size": 0, "hits": 0, "misses": 0}
	if s.cache != nil {
		st := s.cache.Stats()
		cache = gin.H{"embedding_cache_size": st.Size, "hits": st.Hits, "misses": st.Misses}
	}

	queries := gin.H{}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		queries = gin.H{
			"total_queries":    snap.TotalQueries,
			"failed_queries":   snap.FailedQueries,
			"degraded_queries": snap.DegradedQueries,
			"degraded_pct":     snap.DegradedPercentage(),
			"reranked_queries": snap.RerankedQueries,
			"rerank_fallbacks": snap.RerankFallbacks,
			"zero_results":     snap.ZeroResultCount,
			"method_counts":    snap.MethodCounts,
			"stage_avg_ms":     snap.StageAvgMs,
			"since":            snap.Since,
		}
		history, err := s.metrics.History(telemetry.DefaultHistoryDays)
		if err != nil {
			s.logger.Warn("stats_history_failed", slog.String("error", err.Error()))
		} else if history != nil {
			queries["history"] = history
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"config": gin.H{
			"hybrid_retrieval":     true,
			"reranking_enabled":    s.config.RerankingEnabled,
			"embedding_model":      s.config.EmbeddingModel,
			"embedding_dimensions": s.config.EmbeddingDimensions,
			"rrf_k":                s.config.RRFConstant,
			"vector_top_k":         s.config.VectorTopK,
			"lexical_top_k":        s.config.LexicalTopK,
			"rerank_top_k":         s.config.RerankTopK,
		},
		"cache":   cache,
		"queries": queries,
	})
}

// boundRequest is a validated QueryRequest.
type boundRequest struct {
	search.Request
	explain bool
}

// bindRequest decodes and validates the body, writing a 400 on failure.
func (s *Server) bindRequest(c *gin.Context) (boundRequest, bool) {
	if s.retriever == nil {
		writeErrorJSON(c, http.StatusServiceUnavailable, amerrors.ErrCodeRetrievalUnavailable, "retriever not initialized")
		return boundRequest{}, false
	}

	var body QueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeErrorJSON(c, http.StatusBadRequest, amerrors.ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return boundRequest{}, false
	}
	if strings.TrimSpace(body.Query) == "" {
		writeErrorJSON(c, http.StatusBadRequest, amerrors.ErrCodeInvalidRequest, "query field is required and cannot be empty")
		return boundRequest{}, false
	}

	req := boundRequest{
		Request: search.Request{Query: body.Query, Filters: store.Filters(body.Filters)},
		explain: body.Explain,
	}
	if body.K != nil {
		if *body.K <= 0 {
			writeErrorJSON(c, http.StatusBadRequest, amerrors.ErrCodeInvalidRequest, fmt.Sprintf("k must be positive, got %d", *body.K))
			return boundRequest{}, false
		}
		req.K = *body.K
	}
	return req, true
}

// writeError maps an engine error to a status code.
func (s *Server) writeError(c *gin.Context, op, query string, err error) {
	status := statusFor(err)
	code := amerrors.GetCode(err)
	if code == "" {
		code = amerrors.ErrCodeInternal
	}

	message := "internal server error"
	var e *amerrors.Error
	if errors.As(err, &e) {
		message = e.Message
	}

	s.logger.Error("http_"+op+"_failed",
		slog.String("query", logging.Preview(query, logging.PreviewLength)),
		slog.Int("status", status),
		slog.String("error_code", code),
		slog.String("error", err.Error()))
	writeErrorJSON(c, status, code, message)
}

func statusFor(err error) int {
	switch {
	case amerrors.IsCode(err, amerrors.ErrCodeInvalidRequest):
		return http.StatusBadRequest
	case amerrors.IsCode(err, amerrors.ErrCodeRetrievalUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
