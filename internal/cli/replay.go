package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/harness"
	"github.com/roach88/fxaware/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Config   string
	Configs  string
}

// ReplaySummary holds the overall replay result.
type ReplaySummary struct {
	Runs             []store.ReplayResult `json:"runs"`
	TotalRuns        int                  `json:"total_runs"`
	AllDeterministic bool                 `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>...",
		Short: "Re-run transformations and verify determinism",
		Long: `Transform each scenario again and compare the result with the latest
run recorded for the same scenario and configuration.

Every difference in node names, replacements, guard misses, module
configurations and fingerprints is reported. Nothing is written to the
ledger.

Exit codes:
  0 - Every replay reproduced its recorded run
  1 - Determinism verification failed (differences detected)
  2 - Command error (database not found, no recorded run, etc.)

Examples:
  fxaware replay scenarios/residual.yaml --db ./runs.db
  fxaware replay scenarios/*.yaml --config BASIC
  fxaware replay scenarios/residual.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the ledger database (default: from settings)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "configuration name (default: the scenario's, else BASELINE)")
	cmd.Flags().StringVar(&opts.Configs, "configs", "", "configs directory (default: from settings)")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, paths []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := openExistingStore(cmp.Or(opts.Database, opts.Settings.Store.DB))
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	summary := ReplaySummary{
		Runs:             make([]store.ReplayResult, 0, len(paths)),
		TotalRuns:        len(paths),
		AllDeterministic: true,
	}
	for _, path := range paths {
		res, err := replayScenario(ctx, opts, st, path)
		if err != nil {
			_ = formatter.Error(errorCode(err), err.Error(), nil)
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", path), err)
		}
		formatter.VerboseLog("Replayed %s (config %s) against run %s", res.Scenario, res.Config, res.RunID)
		summary.Runs = append(summary.Runs, res)
		if !res.Deterministic() {
			summary.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, summary)
	}
	return outputReplayText(cmd, summary)
}

func replayScenario(ctx context.Context, opts *ReplayOptions, st *store.Store, path string) (store.ReplayResult, error) {
	scenario, err := loadScenarioFile(path)
	if err != nil {
		return store.ReplayResult{}, err
	}
	tr, err := harness.Transform(scenario, transformOptions(opts.RootOptions, opts.Config, opts.Configs)...)
	if err != nil {
		return store.ReplayResult{}, &LoadError{Code: ErrCodeBuildFailed, Message: err.Error(), Path: path}
	}
	res, err := st.Replay(ctx, tr.Run())
	if errors.Is(err, store.ErrRunNotFound) {
		return store.ReplayResult{}, &LoadError{
			Code:    ErrCodeStore,
			Message: fmt.Sprintf("no recorded run of %s with config %s", scenario.Name, tr.Config.Name),
			Path:    path,
		}
	}
	return res, err
}

// openExistingStore opens the ledger at path without creating it.
func openExistingStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("no database path: pass --db or set [store] db in settings")
	}
	if !fileExists(path) {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	return store.Open(path)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, summary ReplaySummary) error {
	response := CLIResponse{Status: "ok", Data: summary}
	if !summary.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "determinism verification failed",
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}
	if !summary.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, summary ReplaySummary) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", summary.TotalRuns)
	fmt.Fprintln(w)

	for _, run := range summary.Runs {
		mark := passMark()
		if !run.Deterministic() {
			mark = failMark()
		}
		fmt.Fprintf(w, "%s %s (config %s)\n", mark, run.Scenario, run.Config)
		fmt.Fprintf(w, "  Run: %s\n", run.RunID)
		for _, d := range run.Divergences {
			fmt.Fprintf(w, "  %s\n", d)
		}
		fmt.Fprintln(w)
	}

	if summary.AllDeterministic {
		fmt.Fprintf(w, "%s All runs reproduced\n", passMark())
		return nil
	}

	fmt.Fprintf(w, "%s Determinism verification failed\n", failMark())
	return NewExitError(ExitFailure, "determinism verification failed")
}
