package engine

import (
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/naming"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/numerics"
	"github.com/roach88/fxaware/internal/registry"
	"github.com/roach88/fxaware/internal/tensor"
	"github.com/roach88/fxaware/internal/trace"
)

// fixture is a hand-assembled trace: graph, tree and attribution.
type fixture struct {
	graph *ir.Graph
	tree  *nn.Tree
	attr  map[string]trace.Scope
}

func newFixture(t *testing.T, modules map[string]nn.Module) *fixture {
	t.Helper()
	tree := nn.NewTree(&nn.Container{Type: "toy.Model"})
	// sorted paths put parents before children
	for _, p := range slices.Sorted(maps.Keys(modules)) {
		require.NoError(t, tree.Add(p, modules[p]))
	}
	return &fixture{graph: &ir.Graph{}, tree: tree, attr: map[string]trace.Scope{}}
}

func (f *fixture) node(name string, op ir.OpKind, target string, args ...ir.Argument) *fixture {
	f.graph.Nodes = append(f.graph.Nodes, &ir.Node{
		Name: name, Op: op, Target: target, Args: args, Kwargs: map[string]ir.Argument{},
	})
	return f
}

func (f *fixture) kw(key string, a ir.Argument) *fixture {
	f.graph.Nodes[len(f.graph.Nodes)-1].Kwargs[key] = a
	return f
}

func (f *fixture) input(name string) *fixture {
	return f.node(name, ir.OpPlaceholder, name)
}

// call records a function or method call attributed to scope.
func (f *fixture) call(scope, name string, op ir.OpKind, target string, args ...ir.Argument) *fixture {
	m, ok := f.tree.Get(scope)
	if !ok {
		panic("fixture: unknown scope " + scope)
	}
	f.attr[name] = trace.Scope{Path: scope, Type: m.TypeName()}
	return f.node(name, op, target, args...)
}

func (f *fixture) output(a ir.Argument) *fixture {
	return f.node("output", ir.OpOutput, "output", a)
}

func (f *fixture) rewrite(t *testing.T, opts ...Option) *Result {
	t.Helper()
	res, err := f.try(opts...)
	require.NoError(t, err)
	return res
}

func (f *fixture) try(opts ...Option) (*Result, error) {
	idx, err := BuildScopeIndex(f.tree, f.graph, f.attr)
	if err != nil {
		return nil, err
	}
	return Rewrite(f.graph, idx, numerics.Registry(), f.tree, opts...)
}

func linear(t *testing.T) *nn.Linear {
	t.Helper()
	l, err := nn.NewLinear(tensor.Full(0.5, 2, 2), tensor.Zeros(2))
	require.NoError(t, err)
	return l
}

func block() nn.Module { return &nn.Container{Type: "toy.Block"} }

func moduleType(t *testing.T, tree *nn.Tree, path string) string {
	t.Helper()
	m, ok := tree.Get(path)
	require.True(t, ok, "no module at %q", path)
	return m.TypeName()
}

func TestModuleReplacementKeepsTarget(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block(), "block.linear": linear(t)})
	f.input("x").
		node("block_linear", ir.OpCallModule, "block.linear", ir.R("x")).
		output(ir.R("block_linear"))

	res := f.rewrite(t)

	require.Len(t, res.Graph.Nodes, 3)
	n := res.Graph.Nodes[1]
	assert.Equal(t, ir.OpCallModule, n.Op)
	assert.Equal(t, "block.linear", n.Target)
	assert.Equal(t, "block_linear", n.Name)
	assert.Equal(t, numerics.TypeLinear, moduleType(t, res.Tree, "block.linear"))
	assert.Equal(t, []Replacement{{
		Node: "block_linear", NewNode: "block_linear", Target: "block.linear",
		Key: registry.ModuleKey(nn.TypeLinear), Type: numerics.TypeLinear,
	}}, res.Replacements)
}

func TestResAddCollisionSuffix(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block(), "block.linear": linear(t)})
	f.input("x").
		node("block_linear", ir.OpCallModule, "block.linear", ir.R("x")).
		call("block", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), ir.R("block_linear")).
		call("block", "add_1", ir.OpCallFunction, nn.FnAdd, ir.R("add"), ir.R("block_linear")).
		output(ir.R("add_1"))

	res := f.rewrite(t)

	assert.Equal(t, map[string]string{
		"block_linear": "block.linear",
		"add":          "block.resadd",
		"add_1":        "block.resadd_1",
	}, res.Targets())
	assert.Equal(t, []string{"x", "block_linear", "block_resadd", "block_resadd_1", "output"}, res.Graph.Names())

	second := res.Graph.Nodes[3]
	assert.Equal(t, []ir.Argument{ir.R("block_resadd"), ir.R("block_linear")}, second.Args)
	assert.Equal(t, []ir.Argument{ir.R("block_resadd_1")}, res.Graph.Output().Args)
	assert.Equal(t, numerics.TypeResAdd, moduleType(t, res.Tree, "block.resadd"))
	assert.Equal(t, numerics.TypeResAdd, moduleType(t, res.Tree, "block.resadd_1"))
}

func TestPassThroughRenamedWhenImageTookName(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"resadd": nn.Identity{}})
	f.input("x").
		call("", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), ir.R("x")).
		node("resadd", ir.OpCallModule, "resadd", ir.R("add")).
		output(ir.R("resadd"))

	res := f.rewrite(t)

	assert.Equal(t, map[string]string{"add": "resadd_1"}, res.Targets())
	assert.Equal(t, []string{"x", "resadd_1", "resadd_2", "output"}, res.Graph.Names())

	pass := res.Graph.Nodes[2]
	assert.Equal(t, ir.OpCallModule, pass.Op)
	assert.Equal(t, "resadd", pass.Target, "pass-through keeps its target")
	assert.Equal(t, []ir.Argument{ir.R("resadd_1")}, pass.Args)
	assert.Equal(t, []ir.Argument{ir.R("resadd_2")}, res.Graph.Output().Args)
	assert.Equal(t, nn.TypeIdentity, moduleType(t, res.Tree, "resadd"))
}

func TestScalarMulPassesThrough(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block()})
	f.input("x").
		call("block", "mul", ir.OpCallFunction, nn.FnMul, ir.R("x"), ir.L(ir.IRFloat(0.5))).
		output(ir.R("mul"))

	res := f.rewrite(t)

	assert.Empty(t, res.Replacements)
	assert.Equal(t, []string{"mul"}, res.GuardMisses)
	mul := res.Graph.Nodes[1]
	assert.Equal(t, ir.OpCallFunction, mul.Op)
	assert.Equal(t, nn.FnMul, mul.Target)
	assert.Equal(t, "mul", mul.Name)
	assert.False(t, res.Tree.Has("block.mul"))
}

func TestMatmulReplacedWithoutGuard(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block(), "block.attn": &nn.Container{Type: "toy.Attention"}})
	f.tree.SetBuffer("block.attn.scale", tensor.Full(1, 2, 2))
	f.input("x").
		node("block_attn_scale", ir.OpGetAttr, "block.attn.scale").
		call("block.attn", "matmul", ir.OpCallFunction, nn.FnMatMul, ir.R("x"), ir.R("block_attn_scale")).
		output(ir.R("matmul"))

	res := f.rewrite(t)

	assert.Equal(t, map[string]string{"matmul": "block.attn.matmul"}, res.Targets())
	assert.Equal(t, numerics.TypeMatmul, moduleType(t, res.Tree, "block.attn.matmul"))
	assert.Empty(t, res.GuardMisses)
}

func TestGuardCorrectness(t *testing.T) {
	tests := []struct {
		name     string
		rhs      func(f *fixture) ir.Argument
		replaced bool
	}{
		{"literal", func(*fixture) ir.Argument { return ir.L(ir.IRInt(1)) }, false},
		{"attribute", func(f *fixture) ir.Argument {
			f.tree.SetBuffer("bias", 1.0)
			f.node("bias", ir.OpGetAttr, "bias")
			return ir.R("bias")
		}, false},
		{"placeholder", func(f *fixture) ir.Argument {
			f.input("y")
			return ir.R("y")
		}, true},
		{"module result", func(f *fixture) ir.Argument {
			f.node("block_linear", ir.OpCallModule, "block.linear", ir.R("x"))
			return ir.R("block_linear")
		}, true},
		{"method result", func(f *fixture) ir.Argument {
			f.call("block", "contiguous", ir.OpCallMethod, nn.MethodContiguous, ir.R("x"))
			return ir.R("contiguous")
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]nn.Module{"block": block(), "block.linear": linear(t)})
			f.input("x")
			rhs := tt.rhs(f)
			f.call("block", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), rhs).output(ir.R("add"))

			res := f.rewrite(t)

			_, replaced := res.Targets()["add"]
			assert.Equal(t, tt.replaced, replaced)
			assert.Equal(t, !tt.replaced, len(res.GuardMisses) == 1)
		})
	}
}

// attentionFixture exercises every replacement path.
func attentionFixture(t *testing.T) *fixture {
	f := newFixture(t, map[string]nn.Module{
		"block":           block(),
		"block.attn":      &nn.Container{Type: "toy.Attention"},
		"block.attn.proj": linear(t),
		"block.linear":    linear(t),
		"block.norm":      &nn.LayerNorm{NormalizedShape: 2, Eps: 1e-5},
	})
	f.input("x").
		input("mask").
		node("block_attn_proj", ir.OpCallModule, "block.attn.proj", ir.R("x")).
		call("block.attn", "transpose", ir.OpCallMethod, nn.MethodTranspose, ir.R("block_attn_proj"), ir.L(ir.IRInt(-1)), ir.L(ir.IRInt(-2))).
		call("block.attn", "matmul", ir.OpCallFunction, nn.FnMatMul, ir.R("block_attn_proj"), ir.R("transpose")).
		call("block.attn", "mul", ir.OpCallFunction, nn.FnMul, ir.R("matmul"), ir.L(ir.IRFloat(0.5))).
		call("block.attn", "baddbmm", ir.OpCallMethod, nn.MethodBAddBMM, ir.R("mask"), ir.R("mul"), ir.R("block_attn_proj")).
		kw("beta", ir.L(ir.IRFloat(1))).
		call("block.attn", "softmax", ir.OpCallFunction, nn.FnSoftmax, ir.R("baddbmm")).
		kw("dim", ir.L(ir.IRInt(-1))).
		call("block.attn", "matmul_1", ir.OpCallFunction, nn.FnBMM, ir.R("softmax"), ir.R("block_attn_proj")).
		call("block", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), ir.R("matmul_1")).
		node("block_norm", ir.OpCallModule, "block.norm", ir.R("add")).
		node("block_linear", ir.OpCallModule, "block.linear", ir.R("block_norm")).
		call("block", "dropout", ir.OpCallFunction, nn.FnDropout, ir.R("block_linear")).
		kw("p", ir.L(ir.IRFloat(0.1))).
		kw("training", ir.L(ir.IRBool(false))).
		call("block", "add_1", ir.OpCallFunction, nn.FnAdd, ir.R("add"), ir.R("dropout")).
		output(ir.List{ir.R("add_1"), ir.R("softmax")})
	return f
}

func TestRewriteAttentionBlock(t *testing.T) {
	f := attentionFixture(t)
	res := f.rewrite(t)

	assert.Equal(t, map[string]string{
		"block_attn_proj": "block.attn.proj",
		"matmul":          "block.attn.matmul",
		"baddbmm":         "block.attn.baddbmm",
		"softmax":         "block.attn.softmax",
		"matmul_1":        "block.attn.matmul_1",
		"add":             "block.resadd",
		"block_norm":      "block.norm",
		"block_linear":    "block.linear",
		"dropout":         "block.dropout",
		"add_1":           "block.resadd_1",
	}, res.Targets())
	assert.Equal(t, []string{"mul"}, res.GuardMisses)

	assert.Equal(t, []string{
		"x", "mask", "block_attn_proj", "transpose", "block_attn_matmul", "mul",
		"block_attn_baddbmm", "block_attn_softmax", "block_attn_matmul_1", "block_resadd",
		"block_norm", "block_linear", "block_dropout", "block_resadd_1", "output",
	}, res.Graph.Names())

	softmax, _ := res.Graph.Lookup("block_attn_softmax")
	assert.Empty(t, softmax.Kwargs, "dim is consumed by the constructor")
	sm, _ := res.Tree.Get("block.attn.softmax")
	assert.Equal(t, -1, sm.(*numerics.Softmax).Dim)

	baddbmm, _ := res.Graph.Lookup("block_attn_baddbmm")
	assert.Equal(t, map[string]ir.Argument{"beta": ir.L(ir.IRFloat(1))}, baddbmm.Kwargs, "method keywords are forwarded")
	assert.Equal(t, []ir.Argument{ir.R("mask"), ir.R("mul"), ir.R("block_attn_proj")}, baddbmm.Args)

	dropout, _ := res.Graph.Lookup("block_dropout")
	assert.Equal(t, map[string]ir.Argument{"training": ir.L(ir.IRBool(false))}, dropout.Kwargs)
	d, _ := res.Tree.Get("block.dropout")
	assert.Equal(t, 0.1, d.(*numerics.Dropout).P)

	assert.Equal(t, ir.List{ir.R("block_resadd_1"), ir.R("block_attn_softmax")}, res.Graph.Output().Args[0])
}

func TestNodeCountAndTopologicalOrder(t *testing.T) {
	f := attentionFixture(t)
	in := f.graph.Clone()
	res := f.rewrite(t)

	require.Len(t, res.Graph.Nodes, len(in.Nodes))
	require.NoError(t, res.Graph.Validate())

	// position i of the output is the image of position i of the input
	image := make(map[string]string)
	for i, n := range in.Nodes {
		image[n.Name] = res.Graph.Nodes[i].Name
	}
	pos := make(map[string]int)
	for i, n := range res.Graph.Nodes {
		pos[n.Name] = i
	}
	for _, u := range in.Nodes {
		ir.WalkRefs(u, func(v ir.Ref) {
			assert.Less(t, pos[image[v.Node]], pos[image[u.Name]], "%s -> %s", v.Node, u.Name)
		})
	}
}

func TestDeterminism(t *testing.T) {
	a := attentionFixture(t).rewrite(t)
	b := attentionFixture(t).rewrite(t)

	assert.Equal(t, a.Graph.Names(), b.Graph.Names())
	assert.Equal(t, a.Targets(), b.Targets())
	assert.Equal(t, ir.MustGraphFingerprint(a.Graph), ir.MustGraphFingerprint(b.Graph))
}

func TestReplacementNamesUnique(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block()})
	f.input("x")
	prev := "x"
	for i := 0; i < 12; i++ {
		name := "add"
		if i > 0 {
			name = fmt.Sprintf("add_%d", i)
		}
		f.call("block", name, ir.OpCallFunction, nn.FnAdd, ir.R(prev), ir.R("x"))
		prev = name
	}
	f.output(ir.R(prev))

	res := f.rewrite(t)

	seen := make(map[string]bool)
	for _, r := range res.Replacements {
		assert.False(t, seen[r.Target], "duplicate target %s", r.Target)
		seen[r.Target] = true
	}
	assert.Len(t, seen, 12)
	assert.True(t, seen["block.resadd_11"])
}

func TestRootScopeNames(t *testing.T) {
	f := newFixture(t, nil)
	f.input("x").
		call("", "matmul", ir.OpCallFunction, nn.FnMatMul, ir.R("x"), ir.R("x")).
		call("", "matmul_1", ir.OpCallFunction, nn.FnMatMul, ir.R("matmul"), ir.R("x")).
		call("", "add", ir.OpCallFunction, nn.FnAdd, ir.R("matmul_1"), ir.R("x")).
		output(ir.R("add"))

	res := f.rewrite(t)

	assert.Equal(t, map[string]string{"matmul": "matmul", "matmul_1": "matmul_1", "add": "resadd"}, res.Targets())
	assert.Equal(t, []string{"x", "matmul", "matmul_1", "resadd", "output"}, res.Graph.Names())
}

func TestScopedNameQuirkPreserved(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"self_attn": &nn.Container{Type: "toy.Attention"}})
	f.input("x").
		call("self_attn", "matmul", ir.OpCallFunction, nn.FnMatMul, ir.R("x"), ir.R("x")).
		output(ir.R("matmul"))

	res := f.rewrite(t)

	assert.Equal(t, "self.attn.matmul", res.Targets()["matmul"])
	assert.True(t, res.Tree.Has("self.attn"))
}

func TestIndexedScopeNames(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"layers": &nn.Container{}, "layers.0": block()})
	f.input("x").
		call("layers.0", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), ir.R("x")).
		call("layers.0", "add_1", ir.OpCallFunction, nn.FnAdd, ir.R("add"), ir.R("x")).
		output(ir.R("add_1"))

	res := f.rewrite(t)

	assert.Equal(t, map[string]string{"add": "layers.0.resadd", "add_1": "layers.0.resadd_1"}, res.Targets())
}

func TestExistingSubmoduleIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block(), "block.resadd": nn.Identity{}, "block.softmax": &nn.Softmax{Dim: -1}})
	f.input("x").
		call("block", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), ir.R("x")).
		call("block", "softmax", ir.OpCallFunction, nn.FnSoftmax, ir.R("add")).
		output(ir.R("softmax"))

	res := f.rewrite(t)

	assert.Equal(t, map[string]string{"add": "block.resadd_1", "softmax": "block.softmax_1"}, res.Targets())
	assert.Equal(t, nn.TypeIdentity, moduleType(t, res.Tree, "block.resadd"))
	assert.Equal(t, nn.TypeSoftmax, moduleType(t, res.Tree, "block.softmax"))
}

func TestModuleInvokedTwiceReplacedOnce(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block(), "block.linear": linear(t)})
	f.input("x").
		node("block_linear", ir.OpCallModule, "block.linear", ir.R("x")).
		node("block_linear_1", ir.OpCallModule, "block.linear", ir.R("block_linear")).
		output(ir.R("block_linear_1"))

	res := f.rewrite(t)

	require.Len(t, res.Replacements, 1)
	assert.Equal(t, []string{"x", "block_linear", "block_linear_1", "output"}, res.Graph.Names())
	assert.Equal(t, "block.linear", res.Graph.Nodes[2].Target)
}

func TestRefKwargsAreForwarded(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block()})
	f.input("x").
		input("dim").
		call("block", "softmax", ir.OpCallFunction, nn.FnSoftmax, ir.R("x")).
		kw("dim", ir.R("dim")).
		output(ir.R("softmax"))

	res := f.rewrite(t)

	n, ok := res.Graph.Lookup("block_softmax")
	require.True(t, ok)
	assert.Equal(t, map[string]ir.Argument{"dim": ir.R("dim")}, n.Kwargs)
}

func TestConstructionErrorIsFatal(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block()})
	f.input("x").
		call("block", "gelu", ir.OpCallFunction, nn.FnGELU, ir.R("x")).
		kw("approximate", ir.L(ir.IRString("cubic"))).
		output(ir.R("gelu"))

	res, err := f.try()
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsConstructionError(err))
	assert.Contains(t, err.Error(), "node=gelu")
	assert.Contains(t, err.Error(), "function:torch.nn.functional.gelu")
}

func TestModuleConstructionError(t *testing.T) {
	f := newFixture(t, map[string]nn.Module{"block": block(), "block.linear": linear(t)})
	f.input("x").node("block_linear", ir.OpCallModule, "block.linear", ir.R("x")).output(ir.R("block_linear"))

	failing := registry.Entry{
		Key: registry.ModuleKey(nn.TypeLinear),
		Constructor: registry.Constructor{Build: func(nn.Module, map[string]ir.IRValue) (nn.Module, error) {
			return nil, fmt.Errorf("unsupported weight layout")
		}},
	}
	reg, err := numerics.Registry().With(failing)
	require.NoError(t, err)

	idx, err := BuildScopeIndex(f.tree, f.graph, f.attr)
	require.NoError(t, err)
	_, err = Rewrite(f.graph, idx, reg, f.tree)
	require.Error(t, err)
	assert.True(t, IsConstructionError(err))
	assert.ErrorContains(t, err, "unsupported weight layout")
}

func TestInvalidGraph(t *testing.T) {
	g := &ir.Graph{Nodes: []*ir.Node{
		{Name: "add", Op: ir.OpCallFunction, Target: nn.FnAdd, Args: []ir.Argument{ir.R("x"), ir.R("x")}},
		{Name: "x", Op: ir.OpPlaceholder, Target: "x"},
	}}
	tree := nn.NewTree(nil)
	idx, err := BuildScopeIndex(tree, g, map[string]trace.Scope{"add": {Path: ""}})
	require.NoError(t, err)

	_, err = Rewrite(g, idx, numerics.Registry(), tree)
	require.Error(t, err)
	assert.True(t, IsInvalidGraphError(err))
	assert.ErrorIs(t, err, ir.ErrInvalidGraph)
}

func TestWithNamespace(t *testing.T) {
	ns := naming.New()
	ns.Reserve("block_resadd")

	f := newFixture(t, map[string]nn.Module{"block": block()})
	f.input("x").call("block", "add", ir.OpCallFunction, nn.FnAdd, ir.R("x"), ir.R("x")).output(ir.R("add"))
	res := f.rewrite(t, WithNamespace(ns))

	assert.Equal(t, "block.resadd_1", res.Targets()["add"])
	assert.True(t, ns.Used("block_resadd_1"))
}
