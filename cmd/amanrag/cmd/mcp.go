package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/app"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the retrieval tools over MCP (stdio)",
		Long: `Start an MCP server on stdin/stdout exposing the retrieve and
explain_retrieval tools.

stdout carries JSON-RPC, so logs go only to the log file
(logging.file, or ~/.amanrag/logs/server.log).`,
		Example: `  # Register with an MCP client
  {"command": "amanrag", "args": ["mcp", "--config", "/etc/amanrag.yaml"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cleanup, err := logging.SetupMCPMode(cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			opts.logCleanup = cleanup

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

			srv, err := mcp.NewServer(a.Engine)
			if err != nil {
				return err
			}
			if a.Metrics != nil {
				srv.SetMetrics(a.Metrics)
			}
			return srv.Serve(ctx)
		},
	}
}
