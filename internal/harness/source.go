package harness

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/tensor"
	"github.com/roach88/fxaware/internal/testutil"
	"github.com/roach88/fxaware/internal/trace"
)

// inlineRootType is the type of the root module of an inline graph.
const inlineRootType = "fxaware.harness.Inline"

// BuildSource returns the untransformed trace of the scenario's model.
func BuildSource(spec ModelSpec, logger *slog.Logger) (*trace.Result, error) {
	if spec.Graph != nil {
		return buildInline(spec.Graph)
	}
	dim := cmp.Or(spec.Dim, defaultDim)
	fx, err := testutil.Builtin(spec.Builtin, dim)
	if err != nil {
		return nil, err
	}
	return trace.Trace(fx.Tree, fx.Inputs, trace.WithLogger(logger))
}

// buildInline assembles a trace result from a hand-written graph.
func buildInline(g *GraphSpec) (*trace.Result, error) {
	tree := nn.NewTree(&nn.Container{Type: inlineRootType})

	// Parents first so that Tree.Add never replaces a populated subtree.
	paths := slices.SortedFunc(maps.Keys(g.Modules), func(a, b string) int {
		return cmp.Or(
			cmp.Compare(strings.Count(a, "."), strings.Count(b, ".")),
			cmp.Compare(a, b),
		)
	})
	for i, path := range paths {
		m, err := buildModule(g.Modules[path], int64(i+1))
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", path, err)
		}
		if err := tree.Add(path, m); err != nil {
			return nil, fmt.Errorf("module %s: %w", path, err)
		}
	}
	for path, b := range g.Buffers {
		if len(b.Shape) == 0 {
			tree.SetBuffer(path, tensor.Scalar(b.Fill))
			continue
		}
		tree.SetBuffer(path, tensor.Full(b.Fill, b.Shape...))
	}

	res := &trace.Result{
		Graph:       &ir.Graph{},
		Attribution: make(map[string]trace.Scope),
		Tree:        tree,
		Concrete:    map[string]any{},
	}
	for i, ns := range g.Nodes {
		n, err := buildNode(ns)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
		}
		switch n.Op {
		case ir.OpPlaceholder:
			res.InputNames = append(res.InputNames, n.Target)
		case ir.OpCallFunction, ir.OpCallMethod:
			owner, ok := tree.Get(ns.Scope)
			if !ok {
				return nil, fmt.Errorf("node %s: unknown scope %q", ns.Name, ns.Scope)
			}
			res.Attribution[n.Name] = trace.Scope{Path: ns.Scope, Type: owner.TypeName()}
		}
		res.Graph.Nodes = append(res.Graph.Nodes, n)
	}
	if err := res.Graph.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// buildModule builds a standard layer, or a container for any other type.
func buildModule(spec ModuleSpec, seed int64) (nn.Module, error) {
	if _, ok := nn.ResolveType(spec.Type); !ok {
		if len(spec.Params) > 0 {
			return nil, fmt.Errorf("type %s takes no params", spec.Type)
		}
		return &nn.Container{Type: spec.Type}, nil
	}
	p := make(map[string]ir.IRValue, len(spec.Params))
	for k, v := range spec.Params {
		iv, err := ir.ToIRValue(v)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		p[k] = iv
	}
	return nn.Build(spec.Type, p, seed)
}

func buildNode(ns NodeSpec) (*ir.Node, error) {
	n := &ir.Node{
		Name:   ns.Name,
		Op:     ir.OpKind(ns.Op),
		Target: ns.Target,
		Args:   []ir.Argument{},
		Kwargs: map[string]ir.Argument{},
	}
	switch n.Op {
	case ir.OpPlaceholder:
		n.Target = cmp.Or(n.Target, n.Name)
	case ir.OpOutput:
		n.Target = cmp.Or(n.Target, "output")
	}
	for i, a := range ns.Args {
		arg, err := buildArgument(a)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		n.Args = append(n.Args, arg)
	}
	for k, v := range ns.Kwargs {
		arg, err := buildArgument(v)
		if err != nil {
			return nil, fmt.Errorf("kwargs[%s]: %w", k, err)
		}
		n.Kwargs[k] = arg
	}
	return n, nil
}

// buildArgument converts a YAML value: "%name" is a reference, a list is an
// argument list, anything else a literal.
func buildArgument(v any) (ir.Argument, error) {
	switch x := v.(type) {
	case string:
		if ref, ok := strings.CutPrefix(x, "%"); ok {
			if ref == "" {
				return nil, fmt.Errorf("empty reference")
			}
			return ir.R(ref), nil
		}
	case []any:
		out := make(ir.List, len(x))
		for i, elem := range x {
			a, err := buildArgument(elem)
			if err != nil {
				return nil, err
			}
			out[i] = a
		}
		return out, nil
	}
	iv, err := ir.ToIRValue(v)
	if err != nil {
		return nil, err
	}
	return ir.L(iv), nil
}
