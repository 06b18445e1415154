package config

import (
	"errors"
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// UnsupportedConfigError is returned when a named configuration is neither a
// file in the configs directory nor a builtin.
type UnsupportedConfigError struct {
	Name string
	Dir  string
}

func (e *UnsupportedConfigError) Error() string {
	if e.Dir == "" {
		return fmt.Sprintf("illegal configuration %q: no configs directory and not one of %v", e.Name, BuiltinNames())
	}
	return fmt.Sprintf("illegal configuration %q: not found in %s and not one of %v", e.Name, e.Dir, BuiltinNames())
}

// IsUnsupportedConfig reports whether err is an UnsupportedConfigError.
func IsUnsupportedConfig(err error) bool {
	var uc *UnsupportedConfigError
	return errors.As(err, &uc)
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// Validation error codes (E100-E199)
const (
	ErrUnknownFormat     = "E101" // numeric format name not recognized
	ErrInvalidPattern    = "E102" // name_re does not compile
	ErrNoModuleTypes     = "E103" // rule selects no module type
	ErrUnknownModuleType = "E104" // module type is not a replacement module
	ErrUnknownField      = "E105" // unexpected field in a config file
	ErrInvalidPath       = "E106" // empty or malformed module path
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// joinValidation converts validation errors into a single error.
func joinValidation(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return errors.Join(out...)
}
