package cmd

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the retrieval API over HTTP",
		Long: `Start the HTTP retrieval API.

Endpoints:
  GET  /         service banner
  GET  /health   readiness and index status
  POST /query    hybrid retrieval (set "explain": true to attach a trace)
  POST /explain  stage-by-stage retrieval trace
  GET  /stats    configuration, cache and query counters

The server shuts down gracefully on SIGINT or SIGTERM.`,
		Example: `  # Serve with ./amanrag.yaml
  amanrag serve

  # Override the listen address
  amanrag serve --host 127.0.0.1 --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := opts.setupLogging(cfg, cfg.Logging.Level); err != nil {
				return err
			}
			if !opts.debug {
				gin.SetMode(gin.ReleaseMode)
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

			return a.NewHTTPServer().Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides server.port)")

	return cmd
}
