package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/naming"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/registry"
)

// Replacement records one node bound to a new replacement submodule.
type Replacement struct {
	// Node is the name of the original node.
	Node string `json:"node"`
	// NewNode is the name of its image in the output graph.
	NewNode string `json:"new_node"`
	// Target is the qualified path the replacement was registered under.
	Target string `json:"target"`
	// Key is the registry key that matched.
	Key registry.MatchKey `json:"-"`
	// Type is the type name of the replacement module.
	Type string `json:"type"`
}

// Result is the output of Rewrite.
type Result struct {
	Graph *ir.Graph
	// Tree is the module tree passed to Rewrite, now holding every
	// replacement submodule.
	Tree         *nn.Tree
	Replacements []Replacement
	// GuardMisses lists nodes whose registry entry matched but whose guard
	// rejected the operands, in graph order.
	GuardMisses []string
}

// Targets returns original node name -> qualified replacement path.
func (r *Result) Targets() map[string]string {
	out := make(map[string]string, len(r.Replacements))
	for _, rep := range r.Replacements {
		out[rep.Node] = rep.Target
	}
	return out
}

// Option configures a rewrite.
type Option func(*rewriter)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rw *rewriter) { rw.logger = l }
}

// WithNamespace supplies the name allocator. The allocator is mutated; it
// must not be shared with another in-flight rewrite. Default: a fresh
// naming.New().
func WithNamespace(ns *naming.Namespace) Option {
	return func(rw *rewriter) { rw.ns = ns }
}

type rewriter struct {
	idx    *ScopeIndex
	reg    *registry.Registry
	tree   *nn.Tree
	ns     *naming.Namespace
	logger *slog.Logger

	ops map[string]ir.OpKind // original node -> op
	env map[string]string    // original node -> image
	out *ir.Graph
	res *Result
}

// Rewrite transforms g into a new graph in which every matched call-site is
// bound to a freshly instantiated replacement submodule registered in tree.
//
// Nodes are processed in graph order. Each original node gets exactly one
// image, emitted before any of its users, so the output has the same node
// count and the same definition-before-use order as the input.
//
// CRITICAL: tree is mutated in place. On error the tree may hold some
// replacements already; callers must discard it.
func Rewrite(g *ir.Graph, idx *ScopeIndex, reg *registry.Registry, tree *nn.Tree, opts ...Option) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, newInvalidGraphError(err)
	}

	rw := &rewriter{
		idx:    idx,
		reg:    reg,
		tree:   tree,
		logger: slog.Default(),
		ops:    make(map[string]ir.OpKind, len(g.Nodes)),
		env:    make(map[string]string, len(g.Nodes)),
		out:    &ir.Graph{Nodes: make([]*ir.Node, 0, len(g.Nodes))},
	}
	for _, opt := range opts {
		opt(rw)
	}
	if rw.ns == nil {
		rw.ns = naming.New()
	}
	rw.res = &Result{Graph: rw.out, Tree: tree}

	for _, n := range g.Nodes {
		if err := rw.step(n); err != nil {
			return nil, err
		}
	}

	if err := rw.out.Validate(); err != nil {
		return nil, newInvalidGraphError(fmt.Errorf("rewritten graph: %w", err))
	}

	rw.logger.Info("rewrite complete",
		"nodes", len(rw.out.Nodes),
		"replaced", len(rw.res.Replacements),
		"guard_misses", len(rw.res.GuardMisses),
	)
	return rw.res, nil
}

func (rw *rewriter) opOf(name string) (ir.OpKind, bool) {
	op, ok := rw.ops[name]
	return op, ok
}

func (rw *rewriter) step(n *ir.Node) error {
	cls := classify(n, rw.tree, rw.reg, rw.opOf)
	rw.ops[n.Name] = n.Op

	if cls.Action == ActionPassThrough {
		if cls.GuardMiss {
			rw.res.GuardMisses = append(rw.res.GuardMisses, n.Name)
			rw.logger.Debug("guard miss", "node", n.Name, "target", n.Target)
		}
		rw.emit(n, &ir.Node{
			Name:   rw.ns.Create(n.Name),
			Op:     n.Op,
			Target: n.Target,
			Args:   rw.remapArgs(n.Args),
			Kwargs: rw.remapKwargs(n.Kwargs),
		})
		return nil
	}

	switch n.Op {
	case ir.OpCallModule:
		return rw.replaceModule(n, cls.Entry)
	default:
		return rw.replaceCall(n, cls.Entry)
	}
}

// replaceModule swaps the submodule at the node's target for its
// replacement and re-emits the call at the same target.
func (rw *rewriter) replaceModule(n *ir.Node, e *registry.Entry) error {
	src, err := rw.tree.MustGet(n.Target)
	if err != nil {
		return NewAttributionError(n.Name, n.Target, err.Error())
	}
	repl, err := e.Constructor.Build(src, nil)
	if err != nil {
		return NewConstructionError(n.Name, n.Target, fmt.Errorf("%s: %w", e.Key, err))
	}
	if err := rw.tree.Add(n.Target, repl); err != nil {
		return NewConstructionError(n.Name, n.Target, err)
	}

	image := &ir.Node{
		Name:   rw.ns.Create(naming.TargetToStr(n.Target)),
		Op:     ir.OpCallModule,
		Target: n.Target,
		Args:   rw.remapArgs(n.Args),
		Kwargs: rw.remapKwargs(n.Kwargs),
	}
	rw.emit(n, image)
	rw.record(n, image, e, repl)
	return nil
}

// replaceCall binds a function or method call to a new submodule named
// after the call's owning scope.
func (rw *rewriter) replaceCall(n *ir.Node, e *registry.Entry) error {
	scope, ok := rw.idx.Lookup(n.Name)
	if !ok {
		return NewAttributionError(n.Name, n.Target, "call-site has no scope in the scope index")
	}

	qualified := rw.qualifiedName(scope.Path, n, e)
	// Keep the allocator in step with the original graph: the original
	// name must stay taken even though this node is renamed.
	if naming.Sanitize(naming.TargetToStr(qualified)) != n.Name {
		rw.ns.Reserve(n.Name)
	}

	init, kwargs := rw.splitKwargs(n, e)
	repl, err := e.Constructor.Build(nil, init)
	if err != nil {
		return NewConstructionError(n.Name, qualified, fmt.Errorf("%s: %w", e.Key, err))
	}
	if err := rw.tree.Add(qualified, repl); err != nil {
		return NewConstructionError(n.Name, qualified, err)
	}

	image := &ir.Node{
		Name:   rw.ns.Create(naming.TargetToStr(qualified)),
		Op:     ir.OpCallModule,
		Target: qualified,
		Args:   rw.remapArgs(n.Args),
		Kwargs: kwargs,
	}
	rw.emit(n, image)
	rw.record(n, image, e, repl)
	return nil
}

// qualifiedName allocates the submodule path for a function or method
// replacement.
//
// With a suffix, the candidate "scope.suffix" goes through the allocator and
// naming.ScopedName, so repeats become scope.suffix_1, scope.suffix_2. The
// allocator is stepped past paths the tree already holds.
//
// Without a suffix the path is "scope.<op name>", with _1, _2 appended only
// when the tree already holds that path.
func (rw *rewriter) qualifiedName(scope string, n *ir.Node, e *registry.Entry) string {
	if e.Suffix != "" {
		candidate := join(scope, e.Suffix)
		peeked := rw.ns.Peek(candidate)
		for rw.tree.Has(naming.ScopedName(peeked)) {
			rw.ns.Reserve(peeked)
			peeked = rw.ns.Peek(candidate)
		}
		return naming.ScopedName(peeked)
	}

	local := naming.TargetToStr(n.Target)
	if n.Op == ir.OpCallFunction {
		local = naming.FunctionCandidate(n.Target)
	}
	path := join(scope, local)
	if !rw.tree.Has(path) {
		return path
	}
	for k := 1; ; k++ {
		p := path + "_" + strconv.Itoa(k)
		if !rw.tree.Has(p) {
			return p
		}
	}
}

// splitKwargs separates constructor parameters from call-time keyword
// arguments. Method replacements forward every keyword. For functions, a
// keyword is consumed at construction when the constructor accepts it and
// its value is a literal; anything else is forwarded.
func (rw *rewriter) splitKwargs(n *ir.Node, e *registry.Entry) (map[string]ir.IRValue, map[string]ir.Argument) {
	init := make(map[string]ir.IRValue)
	forward := make(map[string]ir.Argument)
	for _, k := range ir.SortedArgKeys(n.Kwargs) {
		a := n.Kwargs[k]
		if lit, ok := a.(ir.Lit); ok && n.Op == ir.OpCallFunction && e.Constructor.Accepts(k) {
			init[k] = lit.Value
			continue
		}
		forward[k] = rw.remap(a)
	}
	return init, forward
}

func (rw *rewriter) emit(orig, image *ir.Node) {
	rw.out.Nodes = append(rw.out.Nodes, image)
	rw.env[orig.Name] = image.Name
}

func (rw *rewriter) record(orig, image *ir.Node, e *registry.Entry, repl nn.Module) {
	rw.res.Replacements = append(rw.res.Replacements, Replacement{
		Node:    orig.Name,
		NewNode: image.Name,
		Target:  image.Target,
		Key:     e.Key,
		Type:    repl.TypeName(),
	})
	rw.logger.Debug("replace",
		"node", orig.Name,
		"key", e.Key.String(),
		"target", image.Target,
		"type", repl.TypeName(),
	)
}

func (rw *rewriter) remap(a ir.Argument) ir.Argument {
	return ir.MapArgument(a, func(r ir.Ref) ir.Argument {
		return ir.R(rw.env[r.Node])
	})
}

func (rw *rewriter) remapArgs(args []ir.Argument) []ir.Argument {
	if args == nil {
		return nil
	}
	out := make([]ir.Argument, len(args))
	for i, a := range args {
		out[i] = rw.remap(a)
	}
	return out
}

func (rw *rewriter) remapKwargs(kwargs map[string]ir.Argument) map[string]ir.Argument {
	out := make(map[string]ir.Argument, len(kwargs))
	for k, a := range kwargs {
		out[k] = rw.remap(a)
	}
	return out
}

func join(scope, local string) string {
	if scope == "" {
		return local
	}
	return strings.Join([]string{scope, local}, ".")
}
