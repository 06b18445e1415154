package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/fxaware/internal/model"
	"github.com/roach88/fxaware/internal/numerics"
)

// Named is a named numeric configuration: explicit per-path settings plus
// rules applied after them, in order.
type Named struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Model       model.Configuration `json:"model,omitempty"`
	Rules       []*Rule             `json:"rules,omitempty"`
	// Source is the file the configuration was compiled from; empty for
	// builtins.
	Source string `json:"source,omitempty"`
}

// Builtin configuration names, usable without a configs directory.
const (
	Baseline = "BASELINE"
	Basic    = "BASIC"
)

// builtins returns fresh copies so callers may modify the result.
func builtins() map[string]*Named {
	return map[string]*Named{
		Baseline: {
			Name:        Baseline,
			Description: "every replacement module at its source precision",
		},
		Basic: {
			Name:        Basic,
			Description: "bfloat16 activations and weights for projections and matmuls",
			Rules: []*Rule{
				MustRule([]string{"Linear"}, "", numerics.ModuleConfig{
					InputFormat: numerics.BFLOAT16, WeightFormat: numerics.BFLOAT16,
				}),
				MustRule([]string{"Matmul", "BAddBMM"}, "", numerics.ModuleConfig{
					InputFormat: numerics.BFLOAT16,
				}),
				MustRule([]string{"ResAdd"}, "", numerics.ModuleConfig{
					OutputFormat: numerics.BFLOAT16,
				}),
			},
		},
	}
}

// BuiltinNames returns the builtin configuration names, sorted.
func BuiltinNames() []string {
	return slices.Sorted(maps.Keys(builtins()))
}

// Resolve finds the configuration called name: first <dir>/<name>.cue, then
// the builtins. Anything else is an UnsupportedConfigError.
func Resolve(name, dir string) (*Named, error) {
	if dir != "" {
		path := filepath.Join(dir, name+".cue")
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config %s: %w", name, err)
		}
	}
	if n, ok := builtins()[name]; ok {
		return n, nil
	}
	return nil, &UnsupportedConfigError{Name: name, Dir: dir}
}

// List returns the configuration names available from dir plus the
// builtins, sorted. A missing dir lists only the builtins.
func List(dir string) ([]string, error) {
	names := BuiltinNames()
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list configs: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".cue" {
				continue
			}
			names = append(names, strings.TrimSuffix(e.Name(), ".cue"))
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// LoadFile compiles a configuration file. The name is the file's base name
// without extension.
func LoadFile(path string) (*Named, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	n, err := Compile(name, path, data)
	if err != nil {
		return nil, err
	}
	n.Source = path
	return n, nil
}

// Compile parses CUE source into a Named configuration:
//
//	description: "int8 projections"
//	model: {
//		"block.attn.q_proj": {weight_format: "INT8"}
//	}
//	rules: [{
//		module_types: ["Linear"]
//		name_re:      "block\\.mlp\\."
//		config: {input_format: "BFLOAT16"}
//	}]
//
// Format names are case-insensitive. All validation problems are reported
// together.
func Compile(name, filename string, src []byte) (*Named, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	n := &Named{Name: name, Model: model.Configuration{}}
	var verrs []ValidationError

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		field := iter.Selector().Unquoted()
		val := iter.Value()
		switch field {
		case "description":
			s, err := val.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			n.Description = s
		case "model":
			errs, err := compileModel(val, n.Model)
			if err != nil {
				return nil, err
			}
			verrs = append(verrs, errs...)
		case "rules":
			rules, errs, err := compileRules(val)
			if err != nil {
				return nil, err
			}
			n.Rules = rules
			verrs = append(verrs, errs...)
		default:
			verrs = append(verrs, unknownField(field, val))
		}
	}

	if err := joinValidation(verrs); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	return n, nil
}

func compileModel(v cue.Value, out model.Configuration) ([]ValidationError, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var verrs []ValidationError
	for iter.Next() {
		path := iter.Selector().Unquoted()
		field := "model." + path
		if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
			verrs = append(verrs, ValidationError{
				Field:   field,
				Message: "module path must be a non-empty dotted name",
				Code:    ErrInvalidPath,
				Line:    iter.Value().Pos().Line(),
			})
			continue
		}
		cfg, errs, err := compileModuleConfig(field, iter.Value())
		if err != nil {
			return nil, err
		}
		verrs = append(verrs, errs...)
		out[path] = cfg
	}
	return verrs, nil
}

func compileRules(v cue.Value) ([]*Rule, []ValidationError, error) {
	list, err := v.List()
	if err != nil {
		return nil, nil, formatCUEError(err)
	}
	var (
		rules []*Rule
		verrs []ValidationError
	)
	for i := 0; list.Next(); i++ {
		prefix := fmt.Sprintf("rules[%d]", i)
		rv := list.Value()
		r := &Rule{}

		iter, err := rv.Fields()
		if err != nil {
			return nil, nil, formatCUEError(err)
		}
		for iter.Next() {
			field := iter.Selector().Unquoted()
			val := iter.Value()
			switch field {
			case "module_types":
				types, err := stringList(val)
				if err != nil {
					return nil, nil, err
				}
				r.ModuleTypes = types
			case "name_re":
				s, err := val.String()
				if err != nil {
					return nil, nil, formatCUEError(err)
				}
				r.NamePattern = s
			case "config":
				cfg, errs, err := compileModuleConfig(prefix+".config", val)
				if err != nil {
					return nil, nil, err
				}
				verrs = append(verrs, errs...)
				r.Config = cfg
			default:
				verrs = append(verrs, unknownField(prefix+"."+field, val))
			}
		}

		for _, e := range r.Validate() {
			if e.Code == ErrUnknownFormat {
				// reported while parsing the config struct
				continue
			}
			e.Field = prefix + "." + e.Field
			e.Line = rv.Pos().Line()
			verrs = append(verrs, e)
		}
		rules = append(rules, r)
	}
	return rules, verrs, nil
}

func compileModuleConfig(prefix string, v cue.Value) (numerics.ModuleConfig, []ValidationError, error) {
	var (
		cfg   numerics.ModuleConfig
		verrs []ValidationError
	)
	iter, err := v.Fields()
	if err != nil {
		return cfg, nil, formatCUEError(err)
	}
	for iter.Next() {
		field := iter.Selector().Unquoted()
		val := iter.Value()
		var dst *numerics.Format
		switch field {
		case "input_format":
			dst = &cfg.InputFormat
		case "output_format":
			dst = &cfg.OutputFormat
		case "weight_format":
			dst = &cfg.WeightFormat
		default:
			verrs = append(verrs, unknownField(prefix+"."+field, val))
			continue
		}
		s, err := val.String()
		if err != nil {
			return cfg, nil, formatCUEError(err)
		}
		f, err := numerics.ParseFormat(s)
		if err != nil {
			verrs = append(verrs, ValidationError{
				Field:   prefix + "." + field,
				Message: err.Error(),
				Code:    ErrUnknownFormat,
				Line:    val.Pos().Line(),
			})
			continue
		}
		*dst = f
	}
	return cfg, verrs, nil
}

func stringList(v cue.Value) ([]string, error) {
	list, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func unknownField(field string, v cue.Value) ValidationError {
	return ValidationError{
		Field:   field,
		Message: "unknown field",
		Code:    ErrUnknownField,
		Line:    v.Pos().Line(),
	}
}

// Apply configures m: explicit per-path settings first, then the rules.
func (n *Named) Apply(m *model.Model) error {
	rules := make([]model.Rule, len(n.Rules))
	for i, r := range n.Rules {
		rules[i] = r
	}
	if err := m.Configure(n.Model, rules...); err != nil {
		return fmt.Errorf("apply config %s: %w", n.Name, err)
	}
	return nil
}
