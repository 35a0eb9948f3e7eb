// Package cmd provides the CLI commands for amanrag.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/profiling"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	debug      bool

	profile profiling.Options
	session *profiling.Session

	logCleanup func()
}

// NewRootCmd creates the root command for the amanrag CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   version.Name,
		Short: "Hybrid retrieval engine for RAG pipelines",
		Long: `amanrag answers retrieval queries by running a dense vector search and a
BM25 keyword search in parallel, fusing them with Reciprocal Rank Fusion
and optionally reranking the result with a cross-encoder.

Serve it over HTTP with 'amanrag serve', expose it to AI assistants with
'amanrag mcp', or query it once from the shell with 'amanrag query'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate(version.Name + " version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: ./amanrag.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.PersistentFlags().StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = opts.start
	cmd.PersistentPostRunE = opts.stop

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMCPCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(newEvalCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// start validates the log flags and starts profiling.
func (o *rootOptions) start(_ *cobra.Command, _ []string) error {
	if o.logLevel != "" && !logging.ValidLevel(o.logLevel) {
		return fmt.Errorf("invalid --log-level %q: must be debug, info, warn, or error", o.logLevel)
	}
	if !o.profile.Enabled() {
		return nil
	}
	session, err := profiling.Start(o.profile)
	if err != nil {
		return err
	}
	o.session = session
	return nil
}

// stop ends profiling and closes the log file, if any.
func (o *rootOptions) stop(_ *cobra.Command, _ []string) error {
	if o.logCleanup != nil {
		o.logCleanup()
		o.logCleanup = nil
	}
	if o.session == nil {
		return nil
	}
	err := o.session.Stop()
	o.session = nil
	if err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return nil
}

// loadConfig resolves and validates the configuration and applies the log flags to it.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	return o.resolveConfig(config.Load)
}

func (o *rootOptions) resolveConfig(load func(string) (*config.Config, error)) (*config.Config, error) {
	cfg, err := load(o.configPath)
	if err != nil {
		return nil, err
	}
	switch {
	case o.debug:
		cfg.Logging.Level = "debug"
	case o.logLevel != "":
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// setupLogging installs a JSON logger on stderr, plus the configured log
// file, at the given level.
func (o *rootOptions) setupLogging(cfg *config.Config, level string) error {
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	o.logCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

// commandLevel is the log level for one-shot commands. Their stdout is the
// result, so only warnings show unless a level was asked for.
func (o *rootOptions) commandLevel(cfg *config.Config) string {
	if o.debug || o.logLevel != "" {
		return cfg.Logging.Level
	}
	return "warn"
}
