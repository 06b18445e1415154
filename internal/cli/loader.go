package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/fxaware/internal/harness"
)

// Command error codes (E001-E099).
const (
	ErrCodeGeneric     = "E001" // unclassified command error
	ErrCodeNotFound    = "E002" // path does not exist
	ErrCodeNoFiles     = "E003" // directory holds no scenario files
	ErrCodeLoadFailed  = "E004" // scenario or config file did not parse
	ErrCodeBuildFailed = "E005" // model could not be built or transformed
	ErrCodeStore       = "E006" // ledger could not be opened or written
)

// LoadError represents an error that occurred while loading input files.
type LoadError struct {
	Code    string
	Message string
	Path    string
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorCode returns the LoadError code of err, or ErrCodeGeneric.
func errorCode(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	return ErrCodeGeneric
}

// loadScenarioFile loads one scenario file.
func loadScenarioFile(path string) (*harness.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: "scenario file not found", Path: path}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Path: path}
	}
	if info.IsDir() {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "is a directory, want a scenario file", Path: path}
	}
	s, err := harness.LoadScenario(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Path: path}
	}
	return s, nil
}

// loadScenarioDir loads the scenarios of dir whose names match filter (a
// glob; empty matches all).
func loadScenarioDir(dir, filter string) ([]*harness.Scenario, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: "scenarios directory not found", Path: dir}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Path: dir}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "not a directory", Path: dir}
	}
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("invalid filter pattern: %v", err)}
		}
	}

	yamls, _ := filepath.Glob(filepath.Join(dir, "*.yaml"))
	ymls, _ := filepath.Glob(filepath.Join(dir, "*.yml"))
	if len(yamls)+len(ymls) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: "no scenario files", Path: dir}
	}

	scenarios, err := harness.LoadDir(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Path: dir}
	}
	if filter == "" {
		return scenarios, nil
	}
	var out []*harness.Scenario
	for _, s := range scenarios {
		if ok, _ := filepath.Match(filter, s.Name); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
