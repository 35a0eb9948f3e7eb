package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// QueryMetricsURI is the resource URI for query telemetry.
const QueryMetricsURI = "amanrag://query_metrics"

// QueryMetricsOutput is the JSON structure for the query_metrics resource.
type QueryMetricsOutput struct {
	Summary QueryMetricsSummary             `json:"summary"`
	Metrics *telemetry.QueryMetricsSnapshot `json:"metrics"`
	// History holds persisted totals when a telemetry database is configured.
	History *telemetry.MetricsHistory `json:"history,omitempty"`
}

// QueryMetricsSummary provides overview statistics.
type QueryMetricsSummary struct {
	TotalQueries  int64   `json:"total_queries"`
	TimePeriod    string  `json:"time_period"`
	DegradedPct   float64 `json:"degraded_pct"`
	ZeroResultPct float64 `json:"zero_result_pct"`
}

func (s *Server) registerQueryMetricsResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "query_metrics",
			URI:         QueryMetricsURI,
			Description: "Retrieval telemetry: volume, degraded and failed requests, method mix, latency buckets, top terms",
			MIMEType:    "application/json",
		},
		s.readQueryMetrics,
	)
}

func (s *Server) readQueryMetrics(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	s.mu.RLock()
	metrics := s.metrics
	s.mu.RUnlock()

	if metrics == nil {
		return nil, NewInvalidParamsError("query metrics not available")
	}

	snapshot := metrics.Snapshot()
	output := QueryMetricsOutput{
		Summary: QueryMetricsSummary{
			TotalQueries: snapshot.TotalQueries,
			TimePeriod:   "since " + snapshot.Since.UTC().Format("2006-01-02T15:04:05Z"),
			DegradedPct:  snapshot.DegradedPercentage(),
		},
		Metrics: snapshot,
	}
	history, err := metrics.History(telemetry.DefaultHistoryDays)
	if err != nil {
		return nil, MapError(err)
	}
	output.History = history
	if snapshot.TotalQueries > 0 {
		output.Summary.ZeroResultPct = float64(snapshot.ZeroResultCount) / float64(snapshot.TotalQueries) * 100
	}

	content, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      QueryMetricsURI,
				MIMEType: "application/json",
				Text:     string(content),
			},
		},
	}, nil
}
