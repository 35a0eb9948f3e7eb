package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/app"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/server"
	"github.com/Aman-CERP/amanrag/internal/store"
)

type queryOptions struct {
	k          int
	filters    []string
	explain    bool
	jsonOutput bool
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	qo := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one retrieval query and print the ranked chunks",
		Long: `Build the engine from configuration, run a single hybrid retrieval
and print the result.

Filters match chunk metadata exactly. Values that parse as JSON
(numbers, true/false, quoted strings) are compared as typed values;
anything else is compared as a string.`,
		Example: `  # Top 5 chunks for a question
  amanrag query "how do I reset my password" --k 5

  # Restrict to one document and show the retrieval trace
  amanrag query "refund window" --filter doc_id=billing --explain

  # Same document the HTTP API returns
  amanrag query "refund window" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, qo, strings.Join(args, " "))
		},
	}

	cmd.Flags().IntVar(&qo.k, "k", 0, "Number of chunks to return (default: retrieval.default_k)")
	cmd.Flags().StringArrayVarP(&qo.filters, "filter", "f", nil, "Metadata filter key=value (repeatable)")
	cmd.Flags().BoolVar(&qo.explain, "explain", false, "Print the stage-by-stage retrieval trace")
	cmd.Flags().BoolVar(&qo.jsonOutput, "json", false, "Output the HTTP /query response document")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *rootOptions, qo *queryOptions, text string) error {
	if cmd.Flags().Changed("k") && qo.k <= 0 {
		return amerrors.InvalidRequest("--k must be positive")
	}
	filters, err := parseFilters(qo.filters)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := opts.setupLogging(cfg, opts.commandLevel(cfg)); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("app_close_failed", slog.String("error", err.Error()))
		}
	}()

	req := search.Request{Query: text, K: qo.k, Filters: filters}

	var (
		res   *search.Result
		trace *search.RetrievalTrace
	)
	if qo.explain {
		res, trace, err = a.Engine.Explain(ctx, req)
	} else {
		res, err = a.Engine.Retrieve(ctx, req)
	}
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if qo.jsonOutput {
		resp := server.NewQueryResponse(res, a.Engine.RerankingEnabled())
		resp.Trace = trace
		return out.JSON(resp)
	}

	out.Results(res)
	if trace != nil {
		out.Newline()
		out.Trace(trace)
	}
	return nil
}

// parseFilters turns key=value flags into metadata filters.
func parseFilters(specs []string) (store.Filters, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	filters := make(store.Filters, len(specs))
	for _, spec := range specs {
		key, raw, ok := strings.Cut(spec, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, amerrors.InvalidRequest(fmt.Sprintf("invalid filter %q: expected key=value", spec))
		}
		filters[key] = parseFilterValue(raw)
	}
	return filters, nil
}

func parseFilterValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case string, float64, bool:
			return v
		}
	}
	return raw
}
