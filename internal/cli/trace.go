package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Scenario string // list runs of one scenario
	Target   string // list runs that replaced a module path
	RunID    string // show one run in full
}

// RunSummary is one ledger row in trace output.
type RunSummary struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Scenario    string    `json:"scenario"`
	Config      string    `json:"config"`
	Fingerprint string    `json:"fingerprint"`
	GuardMisses []string  `json:"guard_misses"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunDetail is a full run in trace output.
type RunDetail struct {
	RunSummary
	SourceFingerprint string           `json:"source_fingerprint"`
	ReplacementsHash  string           `json:"replacements_hash"`
	EngineVersion     string           `json:"engine_version"`
	IRVersion         string           `json:"ir_version"`
	Nodes             []string         `json:"nodes"`
	Replacements      []ReplacementRow `json:"replacements"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query the transformation ledger",
		Long: `Query the ledger of recorded transformations.

Without filters every run is listed in recording order. --scenario limits
the list to one scenario, --target lists the runs that replaced a module
path, and --run shows one run in full: its graph, replacements and module
configurations.

Examples:
  fxaware trace --db ./runs.db
  fxaware trace --db ./runs.db --scenario residual_block
  fxaware trace --db ./runs.db --target block.resadd_1
  fxaware trace --db ./runs.db --run 0190f3c2-7c1e-7b6a-9c1e-2f3a4b5c6d7e --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the ledger database (default: from settings)")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "list runs of this scenario")
	cmd.Flags().StringVar(&opts.Target, "target", "", "list runs that replaced this module path")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "show this run in full")
	cmd.MarkFlagsMutuallyExclusive("scenario", "target", "run")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
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

	if opts.RunID != "" {
		run, err := st.ReadRun(ctx, opts.RunID)
		if errors.Is(err, store.ErrRunNotFound) {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("run not found: %s", opts.RunID), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.RunID))
		}
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}
		detail := newRunDetail(run)
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: detail, RunID: run.ID})
		}
		outputRunDetail(cmd, detail)
		return nil
	}

	runs, err := listTraceRuns(ctx, st, opts)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to query ledger", err)
	}

	summaries := make([]RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = newRunSummary(run)
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: summaries})
	}
	outputRunList(cmd, summaries)
	return nil
}

// listTraceRuns returns the runs selected by the scenario or target filter.
func listTraceRuns(ctx context.Context, st *store.Store, opts *TraceOptions) ([]*store.Run, error) {
	if opts.Target == "" {
		return st.ListRuns(ctx, opts.Scenario)
	}
	ids, err := st.RunsReplacing(ctx, opts.Target)
	if err != nil {
		return nil, err
	}
	runs := make([]*store.Run, 0, len(ids))
	for _, id := range ids {
		run, err := st.ReadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func newRunSummary(run *store.Run) RunSummary {
	misses := run.GuardMisses
	if misses == nil {
		misses = []string{}
	}
	return RunSummary{
		ID:          run.ID,
		Seq:         run.Seq,
		Scenario:    run.Scenario,
		Config:      run.Config,
		Fingerprint: run.Fingerprint,
		GuardMisses: misses,
		CreatedAt:   run.CreatedAt,
	}
}

func newRunDetail(run *store.Run) RunDetail {
	detail := RunDetail{
		RunSummary:        newRunSummary(run),
		SourceFingerprint: run.SourceFingerprint,
		ReplacementsHash:  run.ReplacementsHash,
		EngineVersion:     run.EngineVersion,
		IRVersion:         run.IRVersion,
		Nodes:             run.Graph.Names(),
		Replacements:      make([]ReplacementRow, 0, len(run.Replacements)),
	}
	for _, r := range run.Replacements {
		c := run.Modules[r.Target].Normalize()
		detail.Replacements = append(detail.Replacements, ReplacementRow{
			Node:    r.Node,
			NewNode: r.NewNode,
			Target:  r.Target,
			Type:    r.Type,
			Input:   string(c.InputFormat),
			Output:  string(c.OutputFormat),
			Weight:  string(c.WeightFormat),
		})
	}
	return detail
}

func outputRunList(cmd *cobra.Command, runs []RunSummary) {
	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			strconv.FormatInt(r.Seq, 10),
			r.ID,
			r.Scenario,
			r.Config,
			runewidth.Truncate(r.Fingerprint, 12, ""),
			strings.Join(r.GuardMisses, ","),
		}
	}
	writeTable(w, []string{"SEQ", "RUN", "SCENARIO", "CONFIG", "FINGERPRINT", "GUARD MISSES"}, rows)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d run(s)\n", len(runs))
}

func outputRunDetail(cmd *cobra.Command, d RunDetail) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Run %s (seq %d)\n", d.ID, d.Seq)
	fmt.Fprintf(w, "  Scenario:     %s\n", d.Scenario)
	fmt.Fprintf(w, "  Config:       %s\n", d.Config)
	fmt.Fprintf(w, "  Recorded:     %s\n", d.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Source:       %s\n", d.SourceFingerprint)
	fmt.Fprintf(w, "  Fingerprint:  %s\n", d.Fingerprint)
	fmt.Fprintf(w, "  Engine:       %s (IR %s)\n", d.EngineVersion, d.IRVersion)
	fmt.Fprintf(w, "  Nodes:        %s\n", strings.Join(d.Nodes, " → "))
	if len(d.GuardMisses) > 0 {
		fmt.Fprintf(w, "  Guard misses: %s\n", strings.Join(d.GuardMisses, ", "))
	}
	fmt.Fprintln(w)

	if len(d.Replacements) == 0 {
		fmt.Fprintln(w, "No replacements.")
		return
	}
	rows := make([][]string, len(d.Replacements))
	for i, r := range d.Replacements {
		rows[i] = []string{r.Node, r.NewNode, r.Target, shortType(r.Type), r.Input, r.Weight, r.Output}
	}
	writeTable(w, []string{"NODE", "NEW NODE", "TARGET", "TYPE", "INPUT", "WEIGHT", "OUTPUT"}, rows)
}
