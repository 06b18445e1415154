package testutil

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/tensor"
	"github.com/roach88/fxaware/internal/trace"
)

// Fixture is a deterministic toy model: its tree and declared inputs.
type Fixture struct {
	Tree   *nn.Tree
	Inputs []string
}

// builtins maps a fixture name to its constructor. Every constructor
// returns a fresh tree with the same weights.
var builtins = map[string]func(dim int) (*Fixture, error){
	"toy_transformer": ToyTransformer,
	"residual":        Residual,
	"scaled":          Scaled,
	"attention_scale": AttentionScale,
}

// Builtin returns the named fixture with hidden size dim.
func Builtin(name string, dim int) (*Fixture, error) {
	build, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin model %q (known: %v)", name, BuiltinNames())
	}
	if dim <= 0 {
		return nil, fmt.Errorf("builtin %s: dim must be positive, got %d", name, dim)
	}
	return build(dim)
}

// BuiltinNames returns the fixture names, sorted.
func BuiltinNames() []string {
	return slices.Sorted(maps.Keys(builtins))
}

type layer struct {
	path string
	typ  string
	p    map[string]ir.IRValue
}

func linearLayer(path string, dim int) layer {
	return layer{path, nn.TypeLinear, map[string]ir.IRValue{
		"in_features": ir.IRInt(dim), "out_features": ir.IRInt(dim),
	}}
}

func normLayer(path string, dim int) layer {
	return layer{path, nn.TypeLayerNorm, map[string]ir.IRValue{"normalized_shape": ir.IRInt(dim)}}
}

// install builds each layer with a seed derived from its position.
func install(tree *nn.Tree, layers ...layer) error {
	for i, l := range layers {
		m, err := nn.Build(l.typ, l.p, int64(i+1))
		if err != nil {
			return fmt.Errorf("%s: %w", l.path, err)
		}
		if err := tree.Add(l.path, m); err != nil {
			return err
		}
	}
	return nil
}

func root(body func(t *trace.Tracer, args []any) (any, error)) *nn.Tree {
	return nn.NewTree(&trace.Block{Type: "toy.Model", Fn: body})
}

func callBlock(t *trace.Tracer, args []any) (any, error) {
	return t.Call("block", args...), nil
}

// Residual is block(x) = (x + linear(x)) + linear(x): one module and two
// guarded adds in the same scope.
func Residual(dim int) (*Fixture, error) {
	tree := root(callBlock)
	if err := tree.Add("block", &trace.Block{Type: "toy.Block", Fn: func(t *trace.Tracer, args []any) (any, error) {
		x := args[0]
		y := t.Call("linear", x)
		z := t.Function(nn.FnAdd, x, y)
		return t.Function(nn.FnAdd, z, y), nil
	}}); err != nil {
		return nil, err
	}
	if err := install(tree, linearLayer("block.linear", dim)); err != nil {
		return nil, err
	}
	return &Fixture{Tree: tree, Inputs: []string{"x"}}, nil
}

// Scaled is block(x) = x * 0.5: a mul whose second operand is a literal.
func Scaled(int) (*Fixture, error) {
	tree := root(callBlock)
	if err := tree.Add("block", &trace.Block{Type: "toy.Block", Fn: func(t *trace.Tracer, args []any) (any, error) {
		return t.Function(nn.FnMul, args[0], 0.5), nil
	}}); err != nil {
		return nil, err
	}
	return &Fixture{Tree: tree, Inputs: []string{"x"}}, nil
}

// AttentionScale is block.attn(x) = x @ scale, where scale is a buffer of
// the attention module read with get_attr.
func AttentionScale(dim int) (*Fixture, error) {
	tree := root(callBlock)
	if err := tree.Add("block", &trace.Block{Type: "toy.Block", Fn: func(t *trace.Tracer, args []any) (any, error) {
		return t.Call("attn", args...), nil
	}}); err != nil {
		return nil, err
	}
	if err := tree.Add("block.attn", &trace.Block{Type: "toy.Attention", Fn: func(t *trace.Tracer, args []any) (any, error) {
		return t.Function(nn.FnMatMul, args[0], t.Attr("scale")), nil
	}}); err != nil {
		return nil, err
	}
	tree.SetBuffer("block.attn.scale", tensor.Generate(func(i int) float64 { return nn.InitValue(7, i, dim) }, dim, dim))
	return &Fixture{Tree: tree, Inputs: []string{"x"}}, nil
}

// ToyTransformer is a one-block post-norm transformer over [1, seq, dim]
// inputs with single-head attention and a GELU MLP:
//
//	h = norm1(x + attn(x, mask))
//	y = norm2(h + mlp(h))
//
// Attention scores are mask + (q/dim) @ k^T via baddbmm on the mask, so
// mask must broadcast to [1, seq, seq].
func ToyTransformer(dim int) (*Fixture, error) {
	tree := root(callBlock)

	err := tree.Add("block", &trace.Block{Type: "toy.TransformerBlock", Fn: func(t *trace.Tracer, args []any) (any, error) {
		x, mask := args[0], args[1]
		h := t.Function(nn.FnAdd, x, t.Call("attn", x, mask))
		h = t.Call("norm1", h)
		y := t.Function(nn.FnAdd, h, t.Call("mlp", h))
		return t.Call("norm2", y), nil
	}})
	if err != nil {
		return nil, err
	}

	scale := 1 / float64(dim)
	err = tree.Add("block.attn", &trace.Block{Type: "toy.Attention", Fn: func(t *trace.Tracer, args []any) (any, error) {
		x, mask := args[0], args[1]
		q := t.Function(nn.FnMul, t.Call("q_proj", x), scale)
		kt := t.Method(nn.MethodTranspose, t.Call("k_proj", x), -1, -2)
		v := t.Call("v_proj", x)
		scores := t.MethodKw(nn.MethodBAddBMM, mask, []any{q, kt}, map[string]any{"beta": 1.0, "alpha": 1.0})
		probs := t.FunctionKw(nn.FnSoftmax, []any{scores}, map[string]any{"dim": -1})
		ctx := t.Function(nn.FnMatMul, probs, v)
		return t.Call("out_proj", ctx), nil
	}})
	if err != nil {
		return nil, err
	}

	err = tree.Add("block.mlp", &trace.Block{Type: "toy.MLP", Fn: func(t *trace.Tracer, args []any) (any, error) {
		h := t.Call("fc1", args[0])
		h = t.FunctionKw(nn.FnGELU, []any{h}, map[string]any{"approximate": "tanh"})
		h = t.FunctionKw(nn.FnDropout, []any{h}, map[string]any{"p": 0.1, "training": false})
		return t.Call("fc2", h), nil
	}})
	if err != nil {
		return nil, err
	}

	err = install(tree,
		linearLayer("block.attn.q_proj", dim),
		linearLayer("block.attn.k_proj", dim),
		linearLayer("block.attn.v_proj", dim),
		linearLayer("block.attn.out_proj", dim),
		normLayer("block.norm1", dim),
		linearLayer("block.mlp.fc1", dim),
		linearLayer("block.mlp.fc2", dim),
		normLayer("block.norm2", dim),
	)
	if err != nil {
		return nil, err
	}
	return &Fixture{Tree: tree, Inputs: []string{"x", "mask"}}, nil
}

// Input returns a deterministic tensor of the given shape.
func Input(seed int64, shape ...int) *tensor.Tensor {
	return tensor.Generate(func(i int) float64 { return nn.InitValue(seed, i, 1) }, shape...)
}
