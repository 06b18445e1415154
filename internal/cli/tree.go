package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/harness"
	"github.com/roach88/fxaware/internal/numerics"
)

// TreeOptions holds flags for the tree command.
type TreeOptions struct {
	*RootOptions
	Config  string
	Configs string
	Types   bool
}

// TreeEntry is one module in tree output. Config is set for instrumented
// modules only.
type TreeEntry struct {
	Path   string                 `json:"path"`
	Type   string                 `json:"type"`
	Config *numerics.ModuleConfig `json:"config,omitempty"`
}

// NewTreeCommand creates the tree command.
func NewTreeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TreeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tree <scenario.yaml>",
		Short: "Print the module tree of a transformed scenario",
		Long: `Transform the scenario's model without recording it and print the
resulting module tree, one module per line with children indented under
their parent. JSON output lists every module path with its type and, for
instrumented modules, its numeric configuration.

Examples:
  fxaware tree scenarios/residual.yaml
  fxaware tree scenarios/residual.yaml --types --config BASIC
  fxaware tree scenarios/residual.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTree(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "configuration name (default: the scenario's, else BASELINE)")
	cmd.Flags().StringVar(&opts.Configs, "configs", "", "configs directory (default: from settings)")
	cmd.Flags().BoolVar(&opts.Types, "types", false, "show module type names")

	return cmd
}

func runTree(opts *TreeOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := loadScenarioFile(path)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	tr, err := harness.Transform(scenario, transformOptions(opts.RootOptions, opts.Config, opts.Configs)...)
	if err != nil {
		_ = formatter.Error(ErrCodeBuildFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "transformation failed", err)
	}
	tree := tr.Model.Tree()

	if opts.Format == "json" {
		named := tree.Named()
		entries := make([]TreeEntry, 0, len(named))
		for _, nm := range named {
			e := TreeEntry{Path: nm.Path}
			if nm.Module != nil {
				e.Type = nm.Module.TypeName()
			}
			if c, ok := nm.Module.(numerics.Configurable); ok {
				cfg := c.Config()
				e.Config = &cfg
			}
			entries = append(entries, e)
		}
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: entries})
	}
	return tree.Print(cmd.OutOrStdout(), opts.Types)
}
