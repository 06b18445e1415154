package model

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/engine"
	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/naming"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/numerics"
	"github.com/roach88/fxaware/internal/registry"
	"github.com/roach88/fxaware/internal/trace"
)

// ErrBinding is wrapped by every argument-binding failure of Model.Call.
var ErrBinding = errors.New("argument binding")

// Model is a transformed graph bound to its module tree, callable with the
// original model's parameter names.
type Model struct {
	graph        *ir.Graph
	tree         *nn.Tree
	inputNames   []string
	outputNames  []string
	concrete     map[string]any
	replacements []engine.Replacement
	guardMisses  []string
	interp       *Interpreter
	logger       *slog.Logger
}

// Option configures Transform and FromTrace.
type Option func(*options)

type options struct {
	registry    *registry.Registry
	logger      *slog.Logger
	concrete    map[string]any
	outputNames []string
	ns          *naming.Namespace
}

// WithRegistry sets the replacement tables. Default: numerics.Registry().
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger for tracing, rewriting and execution.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConcreteArgs folds the named inputs into the graph at trace time.
// The transformed model still accepts them by name and ignores them.
func WithConcreteArgs(args map[string]any) Option {
	return func(o *options) { o.concrete = args }
}

// WithOutputNames wraps Call results into a map keyed by these names.
func WithOutputNames(names ...string) Option {
	return func(o *options) { o.outputNames = names }
}

// WithNamespace supplies the rewrite's name allocator.
func WithNamespace(ns *naming.Namespace) Option {
	return func(o *options) { o.ns = ns }
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = numerics.Registry()
	}
	return o
}

// Transform traces the model rooted at tree with the declared inputs and
// rewrites the trace.
//
// tree is not modified: replacements are installed in a structural copy
// held by the returned Model.
func Transform(tree *nn.Tree, inputNames []string, opts ...Option) (*Model, error) {
	o := buildOptions(opts)
	res, err := trace.Trace(tree, inputNames,
		trace.WithConcreteArgs(o.concrete),
		trace.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	return fromTrace(res, o)
}

// FromTrace rewrites an existing trace: scope index, rewrite, bind.
// res.Tree is not modified.
func FromTrace(res *trace.Result, opts ...Option) (*Model, error) {
	return fromTrace(res, buildOptions(opts))
}

func fromTrace(res *trace.Result, o *options) (*Model, error) {
	for _, p := range res.Graph.Placeholders() {
		if !slices.Contains(res.InputNames, p.Target) {
			return nil, fmt.Errorf("placeholder %s reads undeclared input %q", p.Name, p.Target)
		}
	}

	tree := res.Tree.Clone()
	idx, err := engine.BuildScopeIndex(tree, res.Graph, res.Attribution)
	if err != nil {
		return nil, err
	}

	ropts := []engine.Option{engine.WithLogger(o.logger)}
	if o.ns != nil {
		ropts = append(ropts, engine.WithNamespace(o.ns))
	}
	out, err := engine.Rewrite(res.Graph, idx, o.registry, tree, ropts...)
	if err != nil {
		return nil, err
	}

	concrete := make(map[string]any, len(res.Concrete))
	maps.Copy(concrete, res.Concrete)
	return &Model{
		graph:        out.Graph,
		tree:         out.Tree,
		inputNames:   slices.Clone(res.InputNames),
		outputNames:  slices.Clone(o.outputNames),
		concrete:     concrete,
		replacements: out.Replacements,
		guardMisses:  out.GuardMisses,
		interp:       NewInterpreter(out.Graph, out.Tree, o.logger),
		logger:       o.logger,
	}, nil
}

// Graph returns the rewritten graph.
func (m *Model) Graph() *ir.Graph { return m.graph }

// Tree returns the module tree holding the replacement submodules.
func (m *Model) Tree() *nn.Tree { return m.tree }

// InputNames returns the declared parameter names in order.
func (m *Model) InputNames() []string { return slices.Clone(m.inputNames) }

// Replacements returns the replacement records in graph order.
func (m *Model) Replacements() []engine.Replacement { return slices.Clone(m.replacements) }

// GuardMisses returns the nodes whose guard rejected their operands.
func (m *Model) GuardMisses() []string { return slices.Clone(m.guardMisses) }

// Fingerprint returns the content hash of the rewritten graph.
func (m *Model) Fingerprint() (string, error) {
	return ir.GraphFingerprint(m.graph)
}

// Call runs the transformed graph with arguments bound to the original
// parameter names.
//
// Positional arguments bind in declaration order, keyword arguments by name.
// Parameters folded at trace time are accepted and dropped. Every input the
// graph reads must be bound. When output names were declared, the result is
// a map from name to value.
func (m *Model) Call(args []any, kwargs map[string]any) (any, error) {
	bound, err := m.bind(args, kwargs)
	if err != nil {
		return nil, err
	}
	out, err := m.interp.Run(bound)
	if err != nil {
		return nil, err
	}
	return m.wrap(out)
}

func (m *Model) bind(args []any, kwargs map[string]any) (map[string]any, error) {
	if len(args) > len(m.inputNames) {
		return nil, fmt.Errorf("%w: takes %d positional arguments but %d were given", ErrBinding, len(m.inputNames), len(args))
	}
	bound := make(map[string]any, len(m.inputNames))
	for i, v := range args {
		bound[m.inputNames[i]] = v
	}
	for _, k := range slices.Sorted(maps.Keys(kwargs)) {
		if !slices.Contains(m.inputNames, k) {
			return nil, fmt.Errorf("%w: unexpected keyword argument %q", ErrBinding, k)
		}
		if _, dup := bound[k]; dup {
			return nil, fmt.Errorf("%w: multiple values for argument %q", ErrBinding, k)
		}
		bound[k] = kwargs[k]
	}

	consumed := make(map[string]any, len(bound))
	var missing []string
	for _, p := range m.graph.Placeholders() {
		v, ok := bound[p.Target]
		if !ok {
			missing = append(missing, p.Target)
			continue
		}
		consumed[p.Target] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required arguments: %s", ErrBinding, strings.Join(missing, ", "))
	}
	for k := range bound {
		if _, ok := consumed[k]; !ok {
			m.logger.Debug("argument dropped", "param", k, "folded", m.isConcrete(k))
		}
	}
	return consumed, nil
}

func (m *Model) isConcrete(name string) bool {
	_, ok := m.concrete[name]
	return ok
}

func (m *Model) wrap(out any) (any, error) {
	switch len(m.outputNames) {
	case 0:
		return out, nil
	case 1:
		if list, ok := out.([]any); ok && len(list) == 1 {
			out = list[0]
		}
		return map[string]any{m.outputNames[0]: out}, nil
	}
	list, ok := out.([]any)
	if !ok || len(list) != len(m.outputNames) {
		return nil, fmt.Errorf("graph returned %T, want %d outputs %v", out, len(m.outputNames), m.outputNames)
	}
	named := make(map[string]any, len(list))
	for i, name := range m.outputNames {
		named[name] = list[i]
	}
	return named, nil
}

// Named is one configurable replacement module and its path.
type Named struct {
	Path   string
	Module numerics.Configurable
}

// NamedConfigurable returns every configurable module in tree order.
func (m *Model) NamedConfigurable() []Named {
	var out []Named
	for _, nm := range m.tree.Named() {
		if c, ok := nm.Module.(numerics.Configurable); ok {
			out = append(out, Named{Path: nm.Path, Module: c})
		}
	}
	return out
}

// Configuration is a snapshot of module path -> numeric configuration.
type Configuration map[string]numerics.ModuleConfig

// Configuration returns the current configuration of every configurable
// module.
func (m *Model) Configuration() Configuration {
	cfg := make(Configuration)
	for _, nm := range m.NamedConfigurable() {
		cfg[nm.Path] = nm.Module.Config()
	}
	return cfg
}

// Rule reconfigures a selection of modules.
type Rule interface {
	ApplyTo(mods []Named) (int, error)
}

// Configure applies cfg to the modules it names, then each rule in order.
// Paths in cfg that are not configurable modules are an error.
func (m *Model) Configure(cfg Configuration, rules ...Rule) error {
	if len(cfg) > 0 {
		byPath := make(map[string]numerics.Configurable)
		for _, nm := range m.NamedConfigurable() {
			byPath[nm.Path] = nm.Module
		}
		var errs []error
		for _, path := range slices.Sorted(maps.Keys(cfg)) {
			c, ok := byPath[path]
			if !ok {
				errs = append(errs, fmt.Errorf("%s: not a configurable module", path))
				continue
			}
			if err := c.SetConfig(c.Config().Update(cfg[path])); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}
	mods := m.NamedConfigurable()
	for i, r := range rules {
		n, err := r.ApplyTo(mods)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		m.logger.Debug("rule applied", "rule", i, "modules", n)
	}
	return nil
}

// CheckConsistency checks every configurable module and joins the failures.
func (m *Model) CheckConsistency() error {
	var errs []error
	for _, nm := range m.NamedConfigurable() {
		if err := numerics.CheckConsistency(nm.Module); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nm.Path, err))
		}
	}
	return errors.Join(errs...)
}

// KeepConfiguration runs fn and then restores the configuration every
// module had before, whether or not fn failed.
func (m *Model) KeepConfiguration(fn func() error) error {
	saved := m.Configuration()
	err := fn()
	if rerr := m.Configure(saved); rerr != nil {
		return errors.Join(err, fmt.Errorf("restore configuration: %w", rerr))
	}
	return err
}

// FoldWeights replaces the parameters of every weighted module with their
// WeightFormat casts and returns the modules folded. The source model's
// parameters are not modified.
func (m *Model) FoldWeights() []string {
	var folded []string
	for _, nm := range m.NamedConfigurable() {
		f, ok := nm.Module.(numerics.WeightFolder)
		if !ok || nm.Module.Config().WeightFormat == numerics.SAME {
			continue
		}
		f.FoldWeights()
		folded = append(folded, nm.Path)
	}
	m.logger.Debug("weights folded", "modules", len(folded))
	return folded
}

// CountFLOPs runs fn with FLOP counting on in every replacement module and
// returns the count per module path. With zero set the counters start from
// zero; otherwise they accumulate across calls.
func (m *Model) CountFLOPs(zero bool, fn func() error) (map[string]int64, error) {
	mods := m.NamedConfigurable()
	for _, nm := range mods {
		if zero {
			nm.Module.ResetFLOPs()
		}
		nm.Module.CountFLOPs(true)
	}
	err := fn()
	counts := make(map[string]int64, len(mods))
	for _, nm := range mods {
		nm.Module.CountFLOPs(false)
		counts[nm.Path] = nm.Module.FLOPs()
	}
	return counts, err
}
