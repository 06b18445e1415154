// Package trace records a model's forward computation as an ir.Graph.
//
// Tracing is symbolic: graph inputs become Proxy values, and every module
// invocation, function call, method call and attribute read issued through
// the Tracer appends one node. Modules implementing Composite are traced
// through (their body is recorded, not the call); every other module in the
// tree is a leaf and is recorded as a single call_module node.
//
// While recording, the Tracer tracks which module's forward is executing and
// attributes every call-site to that scope. The attribution is what the
// rewrite engine uses to name replacements of function and method calls.
package trace

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/naming"
	"github.com/roach88/fxaware/internal/nn"
)

// Composite is a module whose forward is traced through rather than
// recorded as a call_module leaf.
type Composite interface {
	nn.Module
	// Trace records the module's forward. args are Proxy values or
	// concrete Go values; the result may be a Proxy, a literal, or a []any
	// nesting of both.
	Trace(t *Tracer, args []any) (any, error)
}

// Block is a Composite defined by a function.
type Block struct {
	Type string
	Fn   func(t *Tracer, args []any) (any, error)
}

// TypeName implements nn.Module.
func (b *Block) TypeName() string {
	if b.Type == "" {
		return nn.TypeModule
	}
	return b.Type
}

// Forward implements nn.Module. Blocks only run through a traced graph.
func (b *Block) Forward([]any, map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: %s must be traced", nn.ErrNotCallable, b.TypeName())
}

// Trace implements Composite.
func (b *Block) Trace(t *Tracer, args []any) (any, error) {
	return b.Fn(t, args)
}

// Scope identifies the module whose forward was executing when a node was
// recorded.
type Scope struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Proxy is a symbolic value: the result of a recorded node.
type Proxy struct {
	Node string
}

// Result is the output of Trace.
type Result struct {
	Graph *ir.Graph
	// Attribution maps every call node name to its owning scope.
	// call_module nodes are attributed to the invoked module itself.
	Attribution map[string]Scope
	Tree        *nn.Tree
	// InputNames are the declared forward parameters, in order, including
	// those folded as concrete arguments.
	InputNames []string
	// Concrete holds the values of inputs folded at trace time.
	Concrete map[string]any
}

// Option configures a trace.
type Option func(*Tracer)

// WithConcreteArgs folds the named inputs into literals instead of
// placeholders.
func WithConcreteArgs(args map[string]any) Option {
	return func(t *Tracer) {
		for k, v := range args {
			t.concrete[k] = v
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// Tracer records nodes. Errors are sticky: after the first failure every
// recording method returns nil and Trace reports that failure.
type Tracer struct {
	tree        *nn.Tree
	graph       *ir.Graph
	ns          *naming.Namespace
	scopes      []Scope
	attribution map[string]Scope
	concrete    map[string]any
	logger      *slog.Logger
	err         error
}

// Trace records the forward of the tree's root, which must be a Composite,
// called with the declared inputs.
func Trace(tree *nn.Tree, inputs []string, opts ...Option) (*Result, error) {
	root, ok := tree.Root().(Composite)
	if !ok {
		return nil, fmt.Errorf("trace: root module %s is not traceable", tree.Root().TypeName())
	}

	t := &Tracer{
		tree:        tree,
		graph:       &ir.Graph{},
		ns:          naming.New(),
		attribution: make(map[string]Scope),
		concrete:    make(map[string]any),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	args := make([]any, 0, len(inputs))
	for _, in := range inputs {
		if v, ok := t.concrete[in]; ok {
			args = append(args, v)
			continue
		}
		args = append(args, t.emit(ir.OpPlaceholder, in, naming.TargetToStr(in), nil, nil))
	}

	t.scopes = []Scope{{Path: "", Type: root.TypeName()}}
	out, err := root.Trace(t, args)
	if err == nil {
		err = t.err
	}
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", root.TypeName(), err)
	}

	outArg, err := t.argument(out)
	if err != nil {
		return nil, fmt.Errorf("trace output: %w", err)
	}
	t.graph.Nodes = append(t.graph.Nodes, &ir.Node{
		Name:   t.ns.Create("output"),
		Op:     ir.OpOutput,
		Target: "output",
		Args:   []ir.Argument{outArg},
		Kwargs: map[string]ir.Argument{},
	})

	if err := t.graph.Validate(); err != nil {
		return nil, fmt.Errorf("trace produced an invalid graph: %w", err)
	}
	t.logger.Debug("trace complete", "root", root.TypeName(), "nodes", len(t.graph.Nodes))

	concrete := make(map[string]any, len(t.concrete))
	for k, v := range t.concrete {
		concrete[k] = v
	}
	return &Result{
		Graph:       t.graph,
		Attribution: t.attribution,
		Tree:        tree,
		InputNames:  append([]string(nil), inputs...),
		Concrete:    concrete,
	}, nil
}

// Scope returns the scope currently executing.
func (t *Tracer) Scope() Scope {
	return t.scopes[len(t.scopes)-1]
}

// Err returns the first recording error.
func (t *Tracer) Err() error {
	return t.err
}

func (t *Tracer) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *Tracer) qualify(name string) string {
	if p := t.Scope().Path; p != "" {
		return p + "." + name
	}
	return name
}

// Call invokes the child submodule name of the current scope.
func (t *Tracer) Call(child string, args ...any) any {
	return t.CallKw(child, args, nil)
}

// CallKw is Call with keyword arguments.
func (t *Tracer) CallKw(child string, args []any, kwargs map[string]any) any {
	if t.err != nil {
		return nil
	}
	path := t.qualify(child)
	m, err := t.tree.MustGet(path)
	if err != nil {
		t.fail(err)
		return nil
	}
	scope := Scope{Path: path, Type: m.TypeName()}

	if c, ok := m.(Composite); ok {
		if len(kwargs) > 0 {
			t.fail(fmt.Errorf("call %s: keyword arguments are not supported for traced modules", path))
			return nil
		}
		t.scopes = append(t.scopes, scope)
		out, err := c.Trace(t, args)
		t.scopes = t.scopes[:len(t.scopes)-1]
		if err != nil {
			t.fail(fmt.Errorf("%s: %w", path, err))
			return nil
		}
		return out
	}

	p := t.record(ir.OpCallModule, path, naming.TargetToStr(path), args, kwargs)
	if p != nil {
		t.attribution[p.Node] = scope
	}
	return p
}

// Function records a call to the function with canonical identity.
func (t *Tracer) Function(identity string, args ...any) any {
	return t.FunctionKw(identity, args, nil)
}

// FunctionKw is Function with keyword arguments.
func (t *Tracer) FunctionKw(identity string, args []any, kwargs map[string]any) any {
	if _, ok := nn.LookupFunction(identity); !ok {
		t.fail(fmt.Errorf("unknown function %q", identity))
		return nil
	}
	return t.attributed(ir.OpCallFunction, identity, naming.FunctionCandidate(identity), args, kwargs)
}

// Method records self.name(args...).
func (t *Tracer) Method(name string, self any, args ...any) any {
	return t.MethodKw(name, self, args, nil)
}

// MethodKw is Method with keyword arguments.
func (t *Tracer) MethodKw(name string, self any, args []any, kwargs map[string]any) any {
	if _, ok := nn.LookupMethod(name); !ok {
		t.fail(fmt.Errorf("unknown method %q", name))
		return nil
	}
	return t.attributed(ir.OpCallMethod, name, naming.TargetToStr(name), append([]any{self}, args...), kwargs)
}

// Attr records a read of the current scope's attribute name.
func (t *Tracer) Attr(name string) any {
	if t.err != nil {
		return nil
	}
	target := t.qualify(name)
	if _, err := t.tree.Attr(target); err != nil {
		t.fail(err)
		return nil
	}
	return t.record(ir.OpGetAttr, target, naming.TargetToStr(target), nil, nil)
}

func (t *Tracer) attributed(op ir.OpKind, target, candidate string, args []any, kwargs map[string]any) any {
	p := t.record(op, target, candidate, args, kwargs)
	if p != nil {
		t.attribution[p.Node] = t.Scope()
	}
	return p
}

func (t *Tracer) record(op ir.OpKind, target, candidate string, args []any, kwargs map[string]any) *Proxy {
	if t.err != nil {
		return nil
	}
	irArgs := make([]ir.Argument, len(args))
	for i, a := range args {
		arg, err := t.argument(a)
		if err != nil {
			t.fail(fmt.Errorf("%s %s: argument %d: %w", op, target, i, err))
			return nil
		}
		irArgs[i] = arg
	}
	irKwargs := make(map[string]ir.Argument, len(kwargs))
	for k, v := range kwargs {
		arg, err := t.argument(v)
		if err != nil {
			t.fail(fmt.Errorf("%s %s: keyword %q: %w", op, target, k, err))
			return nil
		}
		irKwargs[k] = arg
	}
	return t.emit(op, target, candidate, irArgs, irKwargs)
}

func (t *Tracer) emit(op ir.OpKind, target, candidate string, args []ir.Argument, kwargs map[string]ir.Argument) *Proxy {
	if kwargs == nil {
		kwargs = map[string]ir.Argument{}
	}
	n := &ir.Node{Name: t.ns.Create(candidate), Op: op, Target: target, Args: args, Kwargs: kwargs}
	t.graph.Nodes = append(t.graph.Nodes, n)
	t.logger.Debug("record", "node", n.Name, "op", op, "target", target, "scope", t.currentPath())
	return &Proxy{Node: n.Name}
}

func (t *Tracer) currentPath() string {
	if len(t.scopes) == 0 {
		return ""
	}
	return t.Scope().Path
}

// errNilValue is returned when a failed recording's nil result is used.
var errNilValue = errors.New("nil value (an earlier call failed or returned nothing)")

// argument converts a traced value into an ir.Argument.
func (t *Tracer) argument(v any) (ir.Argument, error) {
	switch x := v.(type) {
	case *Proxy:
		if x == nil {
			return nil, errNilValue
		}
		return ir.R(x.Node), nil
	case []any:
		list := make(ir.List, len(x))
		for i, e := range x {
			a, err := t.argument(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = a
		}
		return list, nil
	default:
		val, err := ir.ToIRValue(v)
		if err != nil {
			return nil, err
		}
		return ir.L(val), nil
	}
}
