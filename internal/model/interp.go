package model

import (
	"fmt"
	"log/slog"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
)

// Interpreter executes a graph against the module tree it is bound to.
//
// Placeholders read their value from the inputs map by target (the declared
// parameter name). Each call node is evaluated once, in graph order.
type Interpreter struct {
	graph  *ir.Graph
	tree   *nn.Tree
	logger *slog.Logger
}

// NewInterpreter binds g to tree.
func NewInterpreter(g *ir.Graph, tree *nn.Tree, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{graph: g, tree: tree, logger: logger}
}

// Run evaluates the graph and returns the value of the output node.
func (in *Interpreter) Run(inputs map[string]any) (any, error) {
	env := make(map[string]any, len(in.graph.Nodes))
	for _, n := range in.graph.Nodes {
		if n.Op == ir.OpOutput {
			if len(n.Args) != 1 {
				return nil, fmt.Errorf("output node takes exactly one argument, got %d", len(n.Args))
			}
			in.logger.Debug("graph executed", "nodes", len(env))
			return materialize(n.Args[0], env)
		}
		v, err := in.eval(n, env, inputs)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s %s): %w", n.Name, n.Op, n.Target, err)
		}
		env[n.Name] = v
	}
	return nil, fmt.Errorf("graph has no output node")
}

func (in *Interpreter) eval(n *ir.Node, env, inputs map[string]any) (any, error) {
	if n.Op == ir.OpPlaceholder {
		v, ok := inputs[n.Target]
		if !ok {
			return nil, fmt.Errorf("no value bound for input %q", n.Target)
		}
		return v, nil
	}
	if n.Op == ir.OpGetAttr {
		return in.tree.Attr(n.Target)
	}

	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := materialize(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	kwargs := make(map[string]any, len(n.Kwargs))
	for k, a := range n.Kwargs {
		v, err := materialize(a, env)
		if err != nil {
			return nil, err
		}
		kwargs[k] = v
	}

	switch n.Op {
	case ir.OpCallModule:
		m, err := in.tree.MustGet(n.Target)
		if err != nil {
			return nil, err
		}
		return m.Forward(args, kwargs)
	case ir.OpCallFunction:
		fn, ok := nn.LookupFunction(n.Target)
		if !ok {
			return nil, fmt.Errorf("unknown function %q", n.Target)
		}
		return fn(args, kwargs)
	case ir.OpCallMethod:
		m, ok := nn.LookupMethod(n.Target)
		if !ok {
			return nil, fmt.Errorf("unknown method %q", n.Target)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("method %s called without a receiver", n.Target)
		}
		return m(args[0], args[1:], kwargs)
	default:
		return nil, fmt.Errorf("unsupported op %q", n.Op)
	}
}

// materialize resolves an argument to a runtime value.
func materialize(a ir.Argument, env map[string]any) (any, error) {
	switch x := a.(type) {
	case ir.Ref:
		v, ok := env[x.Node]
		if !ok {
			return nil, fmt.Errorf("reference to undefined node %q", x.Node)
		}
		return v, nil
	case ir.Lit:
		return ir.FromIRValue(x.Value), nil
	case ir.List:
		out := make([]any, len(x))
		for i, e := range x {
			v, err := materialize(e, env)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown argument kind %T", a)
	}
}
