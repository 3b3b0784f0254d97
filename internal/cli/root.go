package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"LifelogRouter/internal/app"
	"LifelogRouter/internal/config"
	"LifelogRouter/internal/logging"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the exit code from an error. Unknown errors map to ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DSN        string
	Format     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the lifelogrouter command tree. Without a subcommand it runs the router.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	runCmd := newRunCommand(opts)
	cmd := &cobra.Command{
		Use:   "lifelogrouter",
		Short: "Route voice transcript entries to logging handlers",
		Long: `Polls the Limitless lifelog feed, detects the "log that" trigger phrase and
routes each triggered entry to the handlers that persist it, keeping an
append-only evidence trail of every dispatch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
		},
		RunE: runCmd.RunE,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML or TOML config file (defaults to $LIFELOG_ROUTER_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database DSN overriding the configured one")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(runCmd)
	cmd.AddCommand(newEvidenceCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newTasksCommand(opts))
	cmd.AddCommand(newAskCommand(opts))
	cmd.AddCommand(newImageCommand(opts))

	return cmd
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
	}
	if opts.DSN != "" {
		cfg.Database.DSN = opts.DSN
	}
	return cfg, nil
}

// withApp builds the application, runs fn and closes storage afterwards.
func withApp(ctx context.Context, opts *RootOptions, fn func(*app.Application, config.Config) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "build logger", Err: err}
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "initialise application", Err: err}
	}
	defer func() { _ = application.Close() }()

	return fn(application, cfg)
}
