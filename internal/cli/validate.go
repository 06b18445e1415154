package cli

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/fxaware/internal/config"
	"github.com/roach88/fxaware/internal/harness"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                      `json:"valid"`
	Files  int                       `json:"files"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate configuration and scenario files",
		Long: `Validate numeric configuration files (.cue) and scenario files (.yaml)
without recording anything.

Configurations are compiled and every format name, rule pattern and module
type is checked. Scenarios are parsed, their model is built and their
configuration is resolved. A directory validates every file in it.

Exit codes:
  0 - All files valid
  1 - One or more files invalid
  2 - Command error (path not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	files, err := validationTargets(path)
	if err != nil {
		return outputValidateError(formatter, errorCode(err), err.Error(), nil)
	}

	var errs []config.ValidationError
	for _, f := range files {
		formatter.VerboseLog("Validating %s", f)
		var fileErrs []config.ValidationError
		if filepath.Ext(f) == ".cue" {
			fileErrs = validateConfigFile(f)
		} else {
			fileErrs = validateScenarioFile(opts, f)
		}
		if len(files) > 1 {
			for i := range fileErrs {
				fileErrs[i].Field = filepath.Base(f) + ": " + fileErrs[i].Field
			}
		}
		errs = append(errs, fileErrs...)
	}

	if len(errs) > 0 {
		return outputValidationErrors(formatter, len(files), errs)
	}
	return outputValidateSuccess(formatter, len(files))
}

// validationTargets expands path into the files to validate.
func validationTargets(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: "path not found", Path: path}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Path: path}
	}
	if !info.IsDir() {
		if !validatable(path) {
			return nil, &LoadError{Code: ErrCodeGeneric, Message: "want a .cue, .yaml or .yml file", Path: path}
		}
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Path: path}
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && validatable(e.Name()) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: "no configuration or scenario files", Path: path}
	}
	slices.Sort(files)
	return files, nil
}

func validatable(name string) bool {
	switch filepath.Ext(name) {
	case ".cue", ".yaml", ".yml":
		return true
	}
	return false
}

// validateConfigFile compiles a configuration file and reports every problem.
func validateConfigFile(path string) []config.ValidationError {
	if _, err := config.LoadFile(path); err != nil {
		return toValidationErrors(err, ErrCodeLoadFailed)
	}
	return nil
}

// validateScenarioFile parses a scenario, builds its model and resolves its
// configuration.
func validateScenarioFile(opts *RootOptions, path string) []config.ValidationError {
	s, err := harness.LoadScenario(path)
	if err != nil {
		return []config.ValidationError{{Field: "scenario", Message: err.Error(), Code: ErrCodeLoadFailed}}
	}

	var errs []config.ValidationError
	if _, err := harness.BuildSource(s.Model, opts.logger()); err != nil {
		errs = append(errs, config.ValidationError{Field: "model", Message: err.Error(), Code: ErrCodeBuildFailed})
	}
	if s.Config != "" {
		if _, err := config.Resolve(s.Config, cmp.Or(s.Configs, opts.Settings.Paths.Configs)); err != nil {
			errs = append(errs, toValidationErrors(err, ErrCodeLoadFailed)...)
		}
	}
	return errs
}

// toValidationErrors flattens err into validation errors. Errors that carry
// no validation detail are reported under code.
func toValidationErrors(err error, code string) []config.ValidationError {
	var out []config.ValidationError
	var walk func(error)
	walk = func(e error) {
		var ve config.ValidationError
		if errors.As(e, &ve) {
			if joined, ok := e.(interface{ Unwrap() []error }); ok {
				for _, inner := range joined.Unwrap() {
					walk(inner)
				}
				return
			}
			if next := errors.Unwrap(e); next != nil {
				walk(next)
				return
			}
			out = append(out, ve)
		}
	}
	walk(err)
	if len(out) > 0 {
		return out
	}

	var ce *config.CompileError
	if errors.As(err, &ce) {
		line := 0
		if ce.Pos.IsValid() {
			line = ce.Pos.Line()
		}
		return []config.ValidationError{{Field: ce.Field, Message: ce.Message, Code: code, Line: line}}
	}
	return []config.ValidationError{{Field: "config", Message: err.Error(), Code: code}}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, files int) error {
	if formatter.Format == "json" {
		return writeJSON(formatter.Writer, CLIResponse{
			Status: "ok",
			Data:   ValidationResult{Valid: true, Files: files},
		})
	}

	fmt.Fprintf(formatter.Writer, "%s %d file(s) valid\n", passMark(), files)
	return nil
}

// outputValidateError outputs a single command error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, message)
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(formatter *OutputFormatter, files int, errs []config.ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Files: files, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintf(formatter.Writer, "%s Validation failed\n", failMark())
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return failure
}
