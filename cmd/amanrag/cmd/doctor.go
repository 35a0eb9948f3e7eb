package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/preflight"
)

// errDoctorFailed is returned when a required check fails, so the exit code is non-zero.
var errDoctorFailed = errors.New("system check failed")

// doctorReport is the --json document.
type doctorReport struct {
	Status string                  `json:"status"`
	Checks []preflight.CheckResult `json:"checks"`
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, corpus and backends before serving",
		Long: `Run diagnostics to ensure amanrag can serve retrieval requests.

Checks:
  - Configuration is valid
  - Corpus snapshot or database is readable
  - Embedding provider answers a probe (warning only: lexical search still works)
  - Vector backend is reachable (pgvector)
  - Reranker answers a probe when enabled (warning only: fused order is kept)
  - Telemetry/log directory is writable with free disk space
  - File descriptor limit (1024 minimum)

Use --verbose for detailed diagnostic information.
Use --json for machine-readable output.`,
		Example: `  # Run diagnostics
  amanrag doctor

  # JSON output for scripting
  amanrag doctor --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Validation happens in the config check, so load without it.
			cfg, err := opts.resolveConfig(config.LoadUnvalidated)
			if err != nil {
				return err
			}
			if err := opts.setupLogging(cfg, opts.commandLevel(cfg)); err != nil {
				return err
			}

			checker := preflight.New(
				preflight.WithVerbose(verbose),
				preflight.WithOutput(cmd.OutOrStdout()),
				preflight.WithTimeout(timeout),
			)
			results := checker.RunAll(cmd.Context(), cfg)

			if jsonOutput {
				report := doctorReport{Status: checker.SummaryStatus(results), Checks: results}
				if err := output.New(cmd.OutOrStdout()).JSON(report); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if checker.HasCriticalFailures(results) {
				return errDoctorFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", preflight.DefaultProbeTimeout, "Timeout for each remote probe")

	return cmd
}
