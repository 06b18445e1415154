package cli

import (
	"cmp"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/config"
)

// ConfigsOptions holds flags for the configs command.
type ConfigsOptions struct {
	*RootOptions
	Configs string
}

// ConfigInfo describes one available configuration.
type ConfigInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"` // file path, or "builtin"
	Modules     int    `json:"modules"`
	Rules       int    `json:"rules"`
	Error       string `json:"error,omitempty"`
}

// NewConfigsCommand creates the configs command.
func NewConfigsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "configs",
		Short: "List available numeric configurations",
		Long: `List the numeric configurations a transformation can apply: every
.cue file in the configs directory plus the builtins. A file shadows a
builtin of the same name.

Exit codes:
  0 - Every configuration compiles
  1 - One or more configuration files failed to compile
  2 - Command error (unreadable configs directory, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigs(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Configs, "configs", "", "configs directory (default: from settings)")

	return cmd
}

func runConfigs(opts *ConfigsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	dir := cmp.Or(opts.Configs, opts.Settings.Paths.Configs)
	formatter.VerboseLog("Listing configurations in %s", dir)

	names, err := config.List(dir)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list configurations", err)
	}

	infos := make([]ConfigInfo, 0, len(names))
	broken := 0
	for _, name := range names {
		info := ConfigInfo{Name: name}
		n, err := config.Resolve(name, dir)
		if err != nil {
			info.Source = "?"
			info.Error = err.Error()
			broken++
		} else {
			info.Description = n.Description
			info.Source = cmp.Or(n.Source, "builtin")
			info.Modules = len(n.Model)
			info.Rules = len(n.Rules)
		}
		infos = append(infos, info)
	}

	var failure error
	if broken > 0 {
		failure = NewExitError(ExitFailure, fmt.Sprintf("%d configuration(s) failed to compile", broken))
	}

	if opts.Format == "json" {
		response := CLIResponse{Status: "ok", Data: infos}
		if broken > 0 {
			response.Status = "error"
			response.Error = &CLIError{Code: ErrCodeLoadFailed, Message: failure.Error()}
		}
		if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
			return err
		}
		return failure
	}

	w := cmd.OutOrStdout()
	rows := make([][]string, len(infos))
	for i, info := range infos {
		desc := info.Description
		if info.Error != "" {
			desc = failColor.Sprint(info.Error)
		}
		rows[i] = []string{info.Name, info.Source, strconv.Itoa(info.Modules), strconv.Itoa(info.Rules), desc}
	}
	writeTable(w, []string{"NAME", "SOURCE", "MODULES", "RULES", "DESCRIPTION"}, rows)
	return failure
}
