package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // default: <scenarios-dir>/golden
	Parallel  int
	Configs   string
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Config string   `json:"config,omitempty"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run transformation scenarios",
		Long: `Run every scenario in a directory through the transformation pipeline.

Each scenario is rewritten, configured, recorded in a scratch ledger and
checked against its assertions. When a golden snapshot exists for the
scenario it must match as well.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  fxaware test ./scenarios
  fxaware test ./scenarios --filter "residual*"
  fxaware test ./scenarios --update
  fxaware test ./scenarios --parallel 4 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "golden snapshot directory (default: <scenarios-dir>/golden)")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 1, "scenarios to run concurrently (0 = unlimited)")
	cmd.Flags().StringVar(&opts.Configs, "configs", "", "configs directory (default: from settings)")

	return cmd
}

func runTests(ctx context.Context, opts *TestOptions, dir string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenarios, err := loadScenarioDir(dir, opts.Filter)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenarios", err)
	}

	if len(scenarios) == 0 {
		if opts.Format == "json" {
			return outputTestJSON(cmd, TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	results, err := harness.RunAll(ctx, scenarios, opts.Parallel, transformOptions(opts.RootOptions, "", opts.Configs)...)
	if err != nil {
		_ = formatter.Error(ErrCodeBuildFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		goldenDir = filepath.Join(dir, "golden")
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(results)),
		Total:     len(results),
	}
	for _, res := range results {
		sr := checkScenario(res, goldenDir, opts, cmd)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}
	return outputTestText(cmd, result)
}

// checkScenario combines assertion results with the golden comparison and
// prints the scenario line in text mode.
func checkScenario(res *harness.Result, goldenDir string, opts *TestOptions, cmd *cobra.Command) ScenarioResult {
	sr := ScenarioResult{Name: res.Scenario, Config: res.Config, Pass: res.Pass}
	if !res.Pass {
		sr.Errors = res.Errors
	}
	note := ""

	goldenPath := goldenFilePath(goldenDir, res.Scenario)
	switch {
	case opts.Update:
		if err := updateGoldenFile(res, goldenPath); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, err.Error())
		} else {
			note = " (golden updated)"
		}
	default:
		match, found, err := compareWithGolden(res, goldenPath)
		switch {
		case err != nil:
			sr.Pass = false
			sr.Errors = append(sr.Errors, fmt.Sprintf("golden comparison failed: %v", err))
		case found && !match:
			sr.Pass = false
			sr.Errors = append(sr.Errors, "snapshot does not match golden file (run with --update to regenerate)")
		}
	}

	if opts.Format != "json" {
		w := cmd.OutOrStdout()
		if sr.Pass {
			fmt.Fprintf(w, "%s %s%s\n", passMark(), sr.Name, note)
		} else {
			fmt.Fprintf(w, "%s %s\n", failMark(), sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
	}
	return sr
}

// goldenFilePath returns the golden file of a scenario.
func goldenFilePath(goldenDir, scenario string) string {
	return filepath.Join(goldenDir, scenario+".golden")
}

// updateGoldenFile writes the result's snapshot as the golden file.
func updateGoldenFile(res *harness.Result, goldenPath string) error {
	if err := os.MkdirAll(filepath.Dir(goldenPath), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	data, err := res.Snapshot.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(goldenPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// compareWithGolden compares the result's snapshot with the golden file.
// found is false when no golden file exists.
func compareWithGolden(res *harness.Result, goldenPath string) (match, found bool, err error) {
	golden, err := os.ReadFile(goldenPath)
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, true, fmt.Errorf("failed to read golden file: %w", err)
	}
	current, err := res.Snapshot.MarshalCanonical()
	if err != nil {
		return false, true, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return bytes.Equal(golden, current), true, nil
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputTestText outputs the test summary as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintf(w, "%s All scenarios passed\n", passMark())
	return nil
}
