package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/config"
	"github.com/roach88/fxaware/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose      bool
	Format       string // "json" | "text"
	SettingsPath string
	NoColor      bool

	// Settings and Logger are populated before any subcommand runs.
	Settings config.Settings
	Logger   *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fxaware CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "fxaware",
		Short:   "fxaware - numerics-aware graph rewriting",
		Long:    "Trace models, swap operations for instrumented numeric modules, and keep a ledger of every transformation.",
		Version: ir.EngineVersion,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.NoColor {
				color.NoColor = true
			}
			return opts.loadSettings(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.SettingsPath, "settings", "", "path to "+config.SettingsFile+" (default: discovered from the working directory)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	cmd.AddCommand(NewTransformCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewConfigsCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewTreeCommand(opts))

	return cmd
}

// loadSettings reads fxaware.toml and installs the logger. Diagnostics go to
// stderr so JSON output stays parseable.
func (opts *RootOptions) loadSettings(cmd *cobra.Command) error {
	var err error
	if opts.SettingsPath != "" {
		opts.Settings, err = config.LoadSettings(opts.SettingsPath)
	} else {
		opts.Settings, err = config.DiscoverSettings(".")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load settings", err)
	}

	level := opts.Settings.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	opts.Logger.Debug("settings loaded", "path", opts.Settings.Path, "configs", opts.Settings.Paths.Configs, "db", opts.Settings.Store.DB)
	return nil
}

// logger returns the configured logger, or the default before settings load.
func (opts *RootOptions) logger() *slog.Logger {
	if opts.Logger == nil {
		return slog.Default()
	}
	return opts.Logger
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
