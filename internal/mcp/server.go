package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// Retriever is the part of the search engine the tools call.
type Retriever interface {
	Retrieve(ctx context.Context, req search.Request) (*search.Result, error)
	Explain(ctx context.Context, req search.Request) (*search.Result, *search.RetrievalTrace, error)
}

// Tool names.
const (
	ToolRetrieve = "retrieve"
	ToolExplain  = "explain_retrieval"
)

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name: ToolRetrieve,
		Description: "Hybrid retrieval over the indexed corpus. Runs semantic (vector) and keyword (BM25) search " +
			"concurrently, fuses them with Reciprocal Rank Fusion and optionally reranks. Returns the k best " +
			"passages with scores and metadata. Use filters for exact metadata matches such as doc_id.",
	},
	{
		Name: ToolExplain,
		Description: "Runs the same retrieval as 'retrieve' and reports what each stage produced: top vector hits, " +
			"top keyword hits, the fused ranking with each passage's source ranks, reranked order, failed legs " +
			"and per-stage timings. Use it to understand why a passage ranked where it did.",
	},
}

// Server is the MCP server for amanrag.
type Server struct {
	mcp       *mcp.Server
	retriever Retriever
	logger    *slog.Logger

	mu      sync.RWMutex
	metrics *telemetry.QueryMetrics
}

// NewServer creates an MCP server with the retrieval tools registered.
func NewServer(retriever Retriever) (*Server, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}

	s := &Server{
		retriever: retriever,
		logger:    slog.Default(),
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    version.Name,
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// SetMetrics registers the query_metrics resource backed by m.
func (s *Server) SetMetrics(m *telemetry.QueryMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m

	if m != nil {
		s.registerQueryMetricsResource()
	}
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[0].Name, Description: tools[0].Description}, s.mcpRetrieveHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[1].Name, Description: tools[1].Description}, s.mcpExplainHandler)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// mcpRetrieveHandler is the MCP SDK handler for the retrieve tool.
func (s *Server) mcpRetrieveHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	RetrieveOutput,
	error,
) {
	req, err := toRequest(input)
	if err != nil {
		return nil, RetrieveOutput{}, err
	}

	start := time.Now()
	res, err := s.retriever.Retrieve(ctx, req)
	if err != nil {
		s.logFailure(ToolRetrieve, req.Query, start, err)
		return nil, RetrieveOutput{}, MapError(err)
	}

	s.logger.Info("mcp_tool_complete",
		slog.String("tool", ToolRetrieve),
		slog.String("request_id", res.RequestID),
		slog.Int("result_count", len(res.Chunks)),
		slog.Duration("duration", time.Since(start)))
	return nil, toRetrieveOutput(res), nil
}

// mcpExplainHandler is the MCP SDK handler for the explain_retrieval tool.
func (s *Server) mcpExplainHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	ExplainOutput,
	error,
) {
	req, err := toRequest(input)
	if err != nil {
		return nil, ExplainOutput{}, err
	}

	start := time.Now()
	res, trace, err := s.retriever.Explain(ctx, req)
	if err != nil {
		s.logFailure(ToolExplain, req.Query, start, err)
		return nil, ExplainOutput{}, MapError(err)
	}

	s.logger.Info("mcp_tool_complete",
		slog.String("tool", ToolExplain),
		slog.String("request_id", res.RequestID),
		slog.Int("result_count", len(res.Chunks)),
		slog.Duration("duration", time.Since(start)))
	return nil, toExplainOutput(trace), nil
}

func (s *Server) logFailure(tool, query string, start time.Time, err error) {
	s.logger.Error("mcp_tool_failed",
		slog.String("tool", tool),
		slog.String("query", logging.Preview(query, logging.PreviewLength)),
		slog.Duration("duration", time.Since(start)),
		slog.String("error", err.Error()))
}

// toRequest validates tool input. k is clamped to MaxK; 0 means the engine default.
func toRequest(input RetrieveInput) (search.Request, error) {
	if strings.TrimSpace(input.Query) == "" {
		return search.Request{}, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}
	if input.K < 0 {
		return search.Request{}, NewInvalidParamsError(fmt.Sprintf("k must be positive, got %d", input.K))
	}
	return search.Request{
		Query:   input.Query,
		K:       min(input.K, MaxK),
		Filters: input.Filters,
	}, nil
}

// Serve runs the server over stdio until ctx is canceled or the client disconnects.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", "stdio"))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}
