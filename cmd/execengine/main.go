// Command execengine runs the scheduled execution engine: it claims due
// payment, effect and completion records and executes them with bounded
// retries.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/config"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/logging"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	return &exitError{code: exitInvalidConfig, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "execengine: %v\n", err)
		os.Exit(exitCode(err))
	}
}

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "execengine",
		Short: "Scheduled execution engine for project payments, effects and completions",
		Long: `execengine claims due execution records and runs them exactly once.

Payment records move funds through the ledger, effect records ask a
generation backend for economic and social effects, and completion records
finalize the project. Every attempt is bounded by a per-type timeout and
retried with linear backoff.

Configuration is read from the environment (DATABASE_URL, TICK_INTERVAL,
...) and optionally from a YAML file given with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional config file (yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newRunOnceCmd(opts),
		newPlanCmd(opts),
		newMigrateCmd(opts),
		newValidateCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads and validates configuration. Validation failures map to
// exitInvalidConfig.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, invalidConfig(err)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, invalidConfig(errors.Wrap(err, "configuration error"))
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, invalidConfig(err)
	}
	return logger.With(zap.String("worker_id", cfg.WorkerID)), nil
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return invalidConfig(err)
			}
			data, err := cfg.MaskedJSON()
			if err != nil {
				return errors.Wrap(err, "marshal config")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "execengine version %s (commit: %s)\n", version, commit)
		},
	}
}
