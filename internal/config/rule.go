package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/model"
	"github.com/roach88/fxaware/internal/numerics"
)

// Rule assigns a numeric configuration to every replacement module whose
// type is in ModuleTypes and whose path matches NamePattern.
//
// ModuleTypes holds replacement type names, fully qualified
// ("fxaware.numerics.Linear") or short ("Linear"). NamePattern is a regular
// expression anchored at the start of the path; empty matches every path.
// Fields of Config left empty keep the module's current setting.
type Rule struct {
	ModuleTypes []string              `json:"module_types"`
	NamePattern string                `json:"name_re,omitempty"`
	Config      numerics.ModuleConfig `json:"config"`

	re *regexp.Regexp
}

// NewRule builds and validates a Rule.
func NewRule(moduleTypes []string, namePattern string, cfg numerics.ModuleConfig) (*Rule, error) {
	r := &Rule{ModuleTypes: moduleTypes, NamePattern: namePattern, Config: cfg}
	if err := joinValidation(r.Validate()); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRule is like NewRule but panics on error.
// Use only for static rule tables known to be valid.
func MustRule(moduleTypes []string, namePattern string, cfg numerics.ModuleConfig) *Rule {
	r, err := NewRule(moduleTypes, namePattern, cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate returns all problems with the rule (does not fail-fast).
func (r *Rule) Validate() []ValidationError {
	var errs []ValidationError
	if len(r.ModuleTypes) == 0 {
		errs = append(errs, ValidationError{
			Field:   "module_types",
			Message: "at least one module type is required",
			Code:    ErrNoModuleTypes,
		})
	}
	for i, t := range r.ModuleTypes {
		if _, ok := ResolveModuleType(t); !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("module_types[%d]", i),
				Message: fmt.Sprintf("unknown module type %q", t),
				Code:    ErrUnknownModuleType,
			})
		}
	}
	re, err := regexp.Compile("^(?:" + r.NamePattern + ")")
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "name_re",
			Message: err.Error(),
			Code:    ErrInvalidPattern,
		})
	} else {
		r.re = re
	}
	errs = append(errs, validateModuleConfig("config", r.Config)...)
	return errs
}

// pattern returns the compiled name pattern, or nil when it does not
// compile. A rule with an invalid pattern selects nothing.
func (r *Rule) pattern() *regexp.Regexp {
	if r.re == nil {
		r.re, _ = regexp.Compile("^(?:" + r.NamePattern + ")")
	}
	return r.re
}

func (r *Rule) matches(path, typ string) bool {
	re := r.pattern()
	return re != nil && re.MatchString(path) && slices.ContainsFunc(r.ModuleTypes, func(t string) bool {
		full, ok := ResolveModuleType(t)
		return ok && full == typ
	})
}

func (r *Rule) selects(nm model.Named) bool {
	return r.matches(nm.Path, nm.Module.TypeName())
}

// NamesIn returns the paths of the modules the rule selects, in order.
func (r *Rule) NamesIn(mods []model.Named) []string {
	var out []string
	for _, nm := range mods {
		if r.selects(nm) {
			out = append(out, nm.Path)
		}
	}
	return out
}

// ApplyTo updates every selected module with Config and returns how many
// modules were updated. It implements model.Rule.
func (r *Rule) ApplyTo(mods []model.Named) (int, error) {
	n := 0
	for _, nm := range mods {
		if !r.selects(nm) {
			continue
		}
		if err := nm.Module.SetConfig(nm.Module.Config().Update(r.Config)); err != nil {
			return n, fmt.Errorf("%s: %w", nm.Path, err)
		}
		n++
	}
	return n, nil
}

// ResolveModuleType maps a short replacement type name ("Linear") to its
// fully qualified form. Fully qualified names are returned unchanged.
func ResolveModuleType(name string) (string, bool) {
	for _, full := range numerics.Types() {
		if name == full || name == full[strings.LastIndexByte(full, '.')+1:] {
			return full, true
		}
	}
	return "", false
}

func validateModuleConfig(field string, c numerics.ModuleConfig) []ValidationError {
	var errs []ValidationError
	for _, f := range []struct {
		name string
		v    numerics.Format
	}{
		{"input_format", c.InputFormat},
		{"output_format", c.OutputFormat},
		{"weight_format", c.WeightFormat},
	} {
		if f.v != "" && !f.v.Valid() {
			errs = append(errs, ValidationError{
				Field:   field + "." + f.name,
				Message: fmt.Sprintf("unknown numeric format %q (known: %v)", f.v, numerics.Formats()),
				Code:    ErrUnknownFormat,
			})
		}
	}
	return errs
}
