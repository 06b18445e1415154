package cli

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/harness"
	"github.com/roach88/fxaware/internal/store"
)

// TransformOptions holds flags for the transform command.
type TransformOptions struct {
	*RootOptions
	Config   string // overrides the scenario's configuration
	Configs  string // configs directory
	Database string
	NoRecord bool
}

// ReplacementRow is one replacement in transform output.
type ReplacementRow struct {
	Node    string `json:"node"`
	NewNode string `json:"new_node"`
	Target  string `json:"target"`
	Type    string `json:"type"`
	Input   string `json:"input_format"`
	Output  string `json:"output_format"`
	Weight  string `json:"weight_format"`
}

// TransformResult is the output of the transform command.
type TransformResult struct {
	Scenario          string           `json:"scenario"`
	Config            string           `json:"config"`
	RunID             string           `json:"run_id,omitempty"`
	Seq               int64            `json:"seq,omitempty"`
	SourceFingerprint string           `json:"source_fingerprint"`
	Fingerprint       string           `json:"fingerprint"`
	Nodes             []string         `json:"nodes"`
	Replacements      []ReplacementRow `json:"replacements"`
	GuardMisses       []string         `json:"guard_misses"`
}

// NewTransformCommand creates the transform command.
func NewTransformCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransformOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transform <scenario.yaml>",
		Short: "Rewrite a scenario's model and record the run",
		Long: `Build the scenario's model, replace every registered operation with its
instrumented numeric module, apply the named configuration and record the
run in the ledger.

Exit codes:
  0 - Transformation recorded
  2 - Command error (invalid scenario, unknown configuration, etc.)

Examples:
  fxaware transform scenarios/residual.yaml
  fxaware transform scenarios/residual.yaml --config BASIC --db ./runs.db
  fxaware transform scenarios/residual.yaml --configs ./configs --config low_precision
  fxaware transform scenarios/residual.yaml --no-record --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "configuration name (default: the scenario's, else BASELINE)")
	cmd.Flags().StringVar(&opts.Configs, "configs", "", "configs directory (default: from settings)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the ledger database (default: from settings)")
	cmd.Flags().BoolVar(&opts.NoRecord, "no-record", false, "transform without writing to the ledger")

	return cmd
}

func runTransform(ctx context.Context, opts *TransformOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	log := opts.logger()

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

	result := newTransformResult(tr)
	if !opts.NoRecord {
		dbPath := cmp.Or(opts.Database, opts.Settings.Store.DB)
		st, err := openStore(dbPath)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()

		run := tr.Run()
		if err := st.RecordRun(ctx, run); err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
		result.RunID = run.ID
		result.Seq = run.Seq
		log.Info("run recorded", "run_id", run.ID, "seq", run.Seq, "db", dbPath)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, RunID: result.RunID})
	}
	outputTransformText(cmd, result)
	return nil
}

// transformOptions maps flags and settings to harness options. Flags win
// over settings.
func transformOptions(root *RootOptions, configName, configsDir string) []harness.Option {
	opts := []harness.Option{
		harness.WithLogger(root.logger()),
		harness.WithConfigsDir(cmp.Or(configsDir, root.Settings.Paths.Configs)),
	}
	if configName != "" {
		opts = append(opts, harness.WithConfig(configName))
	}
	return opts
}

// openStore opens the ledger at path, creating its directory.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("no database path: pass --db or set [store] db in settings")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return store.Open(path)
}

func newTransformResult(tr *harness.Transformation) TransformResult {
	cfgs := tr.Model.Configuration()
	result := TransformResult{
		Scenario:          tr.Scenario.Name,
		Config:            tr.Config.Name,
		SourceFingerprint: tr.SourceFingerprint,
		Fingerprint:       tr.Fingerprint,
		Nodes:             tr.Model.Graph().Names(),
		Replacements:      []ReplacementRow{},
		GuardMisses:       tr.Model.GuardMisses(),
	}
	if result.GuardMisses == nil {
		result.GuardMisses = []string{}
	}
	for _, r := range tr.Model.Replacements() {
		c := cfgs[r.Target].Normalize()
		result.Replacements = append(result.Replacements, ReplacementRow{
			Node:    r.Node,
			NewNode: r.NewNode,
			Target:  r.Target,
			Type:    r.Type,
			Input:   string(c.InputFormat),
			Output:  string(c.OutputFormat),
			Weight:  string(c.WeightFormat),
		})
	}
	return result
}

func outputTransformText(cmd *cobra.Command, result TransformResult) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "%s %s (config %s)\n", passMark(), result.Scenario, result.Config)
	if result.RunID != "" {
		fmt.Fprintf(w, "  run:         %s (seq %d)\n", result.RunID, result.Seq)
	}
	fmt.Fprintf(w, "  fingerprint: %s\n", result.Fingerprint)
	fmt.Fprintln(w)

	if len(result.Replacements) == 0 {
		fmt.Fprintln(w, "No replacements.")
	} else {
		rows := make([][]string, len(result.Replacements))
		for i, r := range result.Replacements {
			rows[i] = []string{r.Node, r.Target, shortType(r.Type), r.Input, r.Weight, r.Output}
		}
		writeTable(w, []string{"NODE", "TARGET", "TYPE", "INPUT", "WEIGHT", "OUTPUT"}, rows)
	}

	if len(result.GuardMisses) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Guard misses: %v\n", result.GuardMisses)
	}
}

// shortType strips the package qualifier from a replacement type name.
func shortType(typ string) string {
	if i := strings.LastIndexByte(typ, '.'); i >= 0 {
		return typ[i+1:]
	}
	return typ
}
