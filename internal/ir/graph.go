package ir

import (
	"errors"
	"fmt"
)

// OpKind is the kind of a graph node.
type OpKind string

// Node op kinds, named as the tracer records them.
const (
	OpPlaceholder  OpKind = "placeholder"
	OpGetAttr      OpKind = "get_attr"
	OpCallModule   OpKind = "call_module"
	OpCallFunction OpKind = "call_function"
	OpCallMethod   OpKind = "call_method"
	OpOutput       OpKind = "output"
)

// ValidOpKinds defines allowed node op kinds.
var ValidOpKinds = map[OpKind]bool{
	OpPlaceholder:  true,
	OpGetAttr:      true,
	OpCallModule:   true,
	OpCallFunction: true,
	OpCallMethod:   true,
	OpOutput:       true,
}

// IsCall reports whether the op invokes something (module, function or method).
func (k OpKind) IsCall() bool {
	return k == OpCallModule || k == OpCallFunction || k == OpCallMethod
}

// Argument is a sealed interface for call-site arguments.
// Only Ref, Lit and List implement this.
type Argument interface {
	argument()
}

// Ref refers to the value produced by an earlier node.
type Ref struct {
	Node string
}

func (Ref) argument() {}

// Lit is a literal constant folded into the call site.
type Lit struct {
	Value IRValue
}

func (Lit) argument() {}

// List is an ordered nesting of arguments (tuples and lists at trace time).
type List []Argument

func (List) argument() {}

// R is shorthand for Ref{Node: name}.
func R(name string) Ref { return Ref{Node: name} }

// L is shorthand for Lit{Value: v}.
func L(v IRValue) Lit { return Lit{Value: v} }

// Node is a single call-site in a traced graph.
type Node struct {
	Name   string              `json:"name"`
	Op     OpKind              `json:"op"`
	Target string              `json:"target"`
	Args   []Argument          `json:"args"`
	Kwargs map[string]Argument `json:"kwargs"`
}

// Graph is an ordered list of nodes in definition-before-use order.
type Graph struct {
	Nodes []*Node `json:"nodes"`
}

// Lookup returns the node with the given name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Placeholders returns the placeholder nodes in graph order.
func (g *Graph) Placeholders() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Op == OpPlaceholder {
			out = append(out, n)
		}
	}
	return out
}

// Output returns the output node, or nil when the graph has none.
func (g *Graph) Output() *Node {
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		if g.Nodes[i].Op == OpOutput {
			return g.Nodes[i]
		}
	}
	return nil
}

// Names returns node names in graph order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Name
	}
	return out
}

// ErrInvalidGraph is wrapped by every Validate failure.
var ErrInvalidGraph = errors.New("invalid graph")

// Validate checks the structural invariants of the graph:
//   - every node has a name and a known op
//   - node names are unique
//   - every Ref names a node defined earlier (SSA, acyclic)
//   - at most one output node, and it is last
//
// Collects all errors rather than stopping at the first.
func (g *Graph) Validate() error {
	var errs []error
	defined := make(map[string]bool, len(g.Nodes))

	for i, n := range g.Nodes {
		if n == nil {
			errs = append(errs, fmt.Errorf("%w: node %d is nil", ErrInvalidGraph, i))
			continue
		}
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("%w: node %d has empty name", ErrInvalidGraph, i))
		}
		if !ValidOpKinds[n.Op] {
			errs = append(errs, fmt.Errorf("%w: node %q has unknown op %q", ErrInvalidGraph, n.Name, n.Op))
		}
		if n.Op == OpOutput && i != len(g.Nodes)-1 {
			errs = append(errs, fmt.Errorf("%w: output node %q is not last", ErrInvalidGraph, n.Name))
		}

		WalkRefs(n, func(r Ref) {
			if !defined[r.Node] {
				errs = append(errs, fmt.Errorf("%w: node %q uses %q before definition", ErrInvalidGraph, n.Name, r.Node))
			}
		})

		if defined[n.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate node name %q", ErrInvalidGraph, n.Name))
		}
		defined[n.Name] = true
	}

	return errors.Join(errs...)
}

// WalkRefs calls fn for every Ref in the node's args and kwargs.
// Kwargs are visited in sorted key order.
func WalkRefs(n *Node, fn func(Ref)) {
	for _, a := range n.Args {
		walkArgRefs(a, fn)
	}
	for _, k := range SortedArgKeys(n.Kwargs) {
		walkArgRefs(n.Kwargs[k], fn)
	}
}

func walkArgRefs(a Argument, fn func(Ref)) {
	switch v := a.(type) {
	case Ref:
		fn(v)
	case List:
		for _, elem := range v {
			walkArgRefs(elem, fn)
		}
	}
}

// MapArgument rebuilds an argument, replacing every Ref with fn(ref).
func MapArgument(a Argument, fn func(Ref) Argument) Argument {
	switch v := a.(type) {
	case Ref:
		return fn(v)
	case List:
		out := make(List, len(v))
		for i, elem := range v {
			out[i] = MapArgument(elem, fn)
		}
		return out
	default:
		return a
	}
}

// SortedArgKeys returns kwarg names in RFC 8785 order.
func SortedArgKeys(kwargs map[string]Argument) []string {
	obj := make(IRObject, len(kwargs))
	for k := range kwargs {
		obj[k] = IRNull{}
	}
	return obj.SortedKeys()
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	identity := func(r Ref) Argument { return r }
	out := &Node{Name: n.Name, Op: n.Op, Target: n.Target}
	if n.Args != nil {
		out.Args = make([]Argument, len(n.Args))
		for i, a := range n.Args {
			out.Args[i] = MapArgument(a, identity)
		}
	}
	if n.Kwargs != nil {
		out.Kwargs = make(map[string]Argument, len(n.Kwargs))
		for k, a := range n.Kwargs {
			out.Kwargs[k] = MapArgument(a, identity)
		}
	}
	return out
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{Nodes: make([]*Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return out
}
