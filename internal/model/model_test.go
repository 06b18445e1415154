package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/numerics"
	"github.com/roach88/fxaware/internal/tensor"
	"github.com/roach88/fxaware/internal/testutil"
	"github.com/roach88/fxaware/internal/trace"
)

const dim = 4

func toyTransformer(t *testing.T) *testutil.Fixture {
	t.Helper()
	f, err := testutil.ToyTransformer(dim)
	require.NoError(t, err)
	return f
}

func toyInputs() (x, mask *tensor.Tensor) {
	return testutil.Input(11, 1, 3, dim), tensor.Zeros(1, 3, 3)
}

// reference runs the untransformed trace.
func reference(t *testing.T, f *testutil.Fixture, inputs map[string]any) *tensor.Tensor {
	t.Helper()
	res, err := trace.Trace(f.Tree, f.Inputs)
	require.NoError(t, err)
	out, err := NewInterpreter(res.Graph, res.Tree, nil).Run(inputs)
	require.NoError(t, err)
	y, ok := out.(*tensor.Tensor)
	require.True(t, ok, "got %T", out)
	return y
}

func TestTransformToyTransformer(t *testing.T) {
	f := toyTransformer(t)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)

	targets := make(map[string]string)
	for _, r := range m.Replacements() {
		targets[r.Node] = r.Target
	}
	assert.Equal(t, map[string]string{
		"block_attn_q_proj":   "block.attn.q_proj",
		"block_attn_k_proj":   "block.attn.k_proj",
		"block_attn_v_proj":   "block.attn.v_proj",
		"baddbmm":             "block.attn.baddbmm",
		"softmax":             "block.attn.softmax",
		"matmul":              "block.attn.matmul",
		"block_attn_out_proj": "block.attn.out_proj",
		"add":                 "block.resadd",
		"block_norm1":         "block.norm1",
		"block_mlp_fc1":       "block.mlp.fc1",
		"gelu":                "block.mlp.gelu",
		"dropout":             "block.mlp.dropout",
		"block_mlp_fc2":       "block.mlp.fc2",
		"add_1":               "block.resadd_1",
		"block_norm2":         "block.norm2",
	}, targets)
	assert.Equal(t, []string{"mul"}, m.GuardMisses())

	assert.Equal(t, []string{
		"x", "mask", "block_attn_q_proj", "mul", "block_attn_k_proj", "transpose",
		"block_attn_v_proj", "block_attn_baddbmm", "block_attn_softmax", "block_attn_matmul",
		"block_attn_out_proj", "block_resadd", "block_norm1", "block_mlp_fc1", "block_mlp_gelu",
		"block_mlp_dropout", "block_mlp_fc2", "block_resadd_1", "block_norm2", "output",
	}, m.Graph().Names())
}

func TestTransformLeavesSourceTreeUntouched(t *testing.T) {
	f := toyTransformer(t)
	before := f.Tree.Len()

	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)

	assert.Equal(t, before, f.Tree.Len())
	assert.False(t, f.Tree.Has("block.resadd"))
	src, _ := f.Tree.Get("block.attn.q_proj")
	assert.Equal(t, nn.TypeLinear, src.TypeName())

	repl, _ := m.Tree().Get("block.attn.q_proj")
	assert.Equal(t, numerics.TypeLinear, repl.TypeName())
	assert.True(t, m.Tree().Has("block.resadd_1"))
}

func TestCallMatchesReference(t *testing.T) {
	f := toyTransformer(t)
	x, mask := toyInputs()
	want := reference(t, f, map[string]any{"x": x, "mask": mask})

	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)

	tests := []struct {
		name   string
		args   []any
		kwargs map[string]any
	}{
		{"positional", []any{x, mask}, nil},
		{"keyword", nil, map[string]any{"mask": mask, "x": x}},
		{"mixed", []any{x}, map[string]any{"mask": mask}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := m.Call(tt.args, tt.kwargs)
			require.NoError(t, err)
			got, ok := out.(*tensor.Tensor)
			require.True(t, ok)
			assert.Equal(t, want.Shape(), got.Shape())
			assert.True(t, tensor.AllClose(want, got, 1e-12, 1e-12), "want %v\ngot  %v", want, got)
		})
	}
}

func TestCallBindingErrors(t *testing.T) {
	f := toyTransformer(t)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)
	x, mask := toyInputs()

	tests := []struct {
		name   string
		args   []any
		kwargs map[string]any
		want   string
	}{
		{"too many positional", []any{x, mask, x}, nil, "takes 2 positional arguments but 3 were given"},
		{"unknown keyword", []any{x, mask}, map[string]any{"y": x}, `unexpected keyword argument "y"`},
		{"duplicate", []any{x, mask}, map[string]any{"x": x}, `multiple values for argument "x"`},
		{"missing", []any{x}, nil, "missing required arguments: mask"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Call(tt.args, tt.kwargs)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBinding)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConcreteArgsAcceptedAndDropped(t *testing.T) {
	f, err := testutil.Residual(dim)
	require.NoError(t, err)
	tree := nn.NewTree(&trace.Block{Type: "toy.Wrapper", Fn: func(tr *trace.Tracer, args []any) (any, error) {
		out := tr.Call("inner", args[0])
		if scale, _ := args[1].(float64); scale != 1 {
			out = tr.Function(nn.FnMul, out, scale)
		}
		return out, nil
	}})
	require.NoError(t, tree.Add("inner", f.Tree.Root()))
	for _, nm := range f.Tree.Named()[1:] {
		require.NoError(t, tree.Add("inner."+nm.Path, nm.Module))
	}

	m, err := Transform(tree, []string{"x", "scale"}, WithConcreteArgs(map[string]any{"scale": 1.0}))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "scale"}, m.InputNames())
	assert.Len(t, m.Graph().Placeholders(), 1)

	x := testutil.Input(3, 2, dim)
	a, err := m.Call([]any{x, 1.0}, nil)
	require.NoError(t, err)
	b, err := m.Call([]any{x}, nil)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(a.(*tensor.Tensor), b.(*tensor.Tensor)))
}

func TestOutputNames(t *testing.T) {
	single := func(tr *trace.Tracer, args []any) (any, error) {
		return tr.Function(nn.FnAdd, args[0], args[0]), nil
	}
	pair := func(tr *trace.Tracer, args []any) (any, error) {
		y := tr.Function(nn.FnAdd, args[0], args[0])
		return []any{y, args[0]}, nil
	}
	x := tensor.Full(1, 2)

	t.Run("single", func(t *testing.T) {
		m, err := Transform(nn.NewTree(&trace.Block{Fn: single}), []string{"x"}, WithOutputNames("logits"))
		require.NoError(t, err)
		out, err := m.Call([]any{x}, nil)
		require.NoError(t, err)
		named := out.(map[string]any)
		assert.True(t, tensor.Equal(tensor.Full(2, 2), named["logits"].(*tensor.Tensor)))
	})

	t.Run("pair", func(t *testing.T) {
		m, err := Transform(nn.NewTree(&trace.Block{Fn: pair}), []string{"x"}, WithOutputNames("y", "x"))
		require.NoError(t, err)
		out, err := m.Call([]any{x}, nil)
		require.NoError(t, err)
		named := out.(map[string]any)
		assert.Len(t, named, 2)
		assert.Same(t, x, named["x"])
	})

	t.Run("arity mismatch", func(t *testing.T) {
		m, err := Transform(nn.NewTree(&trace.Block{Fn: single}), []string{"x"}, WithOutputNames("a", "b"))
		require.NoError(t, err)
		_, err = m.Call([]any{x}, nil)
		assert.ErrorContains(t, err, "want 2 outputs")
	})
}

func TestFromTraceRejectsUndeclaredPlaceholder(t *testing.T) {
	res := &trace.Result{
		Graph: &ir.Graph{Nodes: []*ir.Node{
			{Name: "x", Op: ir.OpPlaceholder, Target: "x"},
			{Name: "output", Op: ir.OpOutput, Target: "output", Args: []ir.Argument{ir.R("x")}},
		}},
		Tree:       nn.NewTree(nil),
		InputNames: []string{"input_ids"},
	}
	_, err := FromTrace(res)
	assert.ErrorContains(t, err, `undeclared input "x"`)
}

func TestConfigureAndConsistency(t *testing.T) {
	f := toyTransformer(t)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)

	mods := m.NamedConfigurable()
	require.Len(t, mods, 15)
	assert.Equal(t, "block.attn.q_proj", mods[0].Path)

	for path, c := range m.Configuration() {
		assert.Equal(t, numerics.ModuleConfig{InputFormat: numerics.SAME, OutputFormat: numerics.SAME, WeightFormat: numerics.SAME}, c, path)
	}

	err = m.Configure(Configuration{
		"block.attn.q_proj": {WeightFormat: numerics.INT8},
		"block.resadd":      {OutputFormat: numerics.BFLOAT16},
	})
	require.NoError(t, err)
	cfg := m.Configuration()
	assert.Equal(t, numerics.INT8, cfg["block.attn.q_proj"].WeightFormat)
	assert.Equal(t, numerics.SAME, cfg["block.attn.q_proj"].InputFormat)
	assert.Equal(t, numerics.BFLOAT16, cfg["block.resadd"].OutputFormat)
	require.NoError(t, m.CheckConsistency())

	err = m.Configure(Configuration{"block.transpose": {}, "block.resadd": {WeightFormat: "FP7"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block.transpose: not a configurable module")
	assert.Contains(t, err.Error(), "unknown numeric format")

	require.NoError(t, m.Configure(Configuration{"block.resadd_1": {WeightFormat: numerics.FP16}}))
	err = m.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block.resadd_1")
}

type countingRule struct{ calls int }

func (r *countingRule) ApplyTo(mods []Named) (int, error) {
	r.calls++
	for _, nm := range mods {
		if nm.Module.TypeName() == numerics.TypeSoftmax {
			if err := nm.Module.SetConfig(numerics.ModuleConfig{OutputFormat: numerics.FP16}); err != nil {
				return 0, err
			}
		}
	}
	return 1, nil
}

func TestConfigureRules(t *testing.T) {
	f := toyTransformer(t)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)

	r := &countingRule{}
	require.NoError(t, m.Configure(nil, r, r))
	assert.Equal(t, 2, r.calls)
	assert.Equal(t, numerics.FP16, m.Configuration()["block.attn.softmax"].OutputFormat)
}

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Transform(toyTransformer(t).Tree, []string{"x", "mask"})
	require.NoError(t, err)
	b, err := Transform(toyTransformer(t).Tree, []string{"x", "mask"})
	require.NoError(t, err)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestTransformErrorsPropagate(t *testing.T) {
	tree := nn.NewTree(&trace.Block{Fn: func(tr *trace.Tracer, args []any) (any, error) {
		return tr.FunctionKw(nn.FnGELU, []any{args[0]}, map[string]any{"approximate": "cubic"}), nil
	}})
	_, err := Transform(tree, []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGISTRY_CONSTRUCTION_ERROR")

	_, err = Transform(nn.NewTree(nil), []string{"x"})
	assert.ErrorContains(t, err, "not traceable")
}

func TestRefKeywordsMatchReference(t *testing.T) {
	tree := nn.NewTree(&trace.Block{Type: "toy.Model", Fn: func(tr *trace.Tracer, args []any) (any, error) {
		x, p, approx, axis := args[0], args[1], args[2], args[3]
		h := tr.FunctionKw(nn.FnGELU, []any{x}, map[string]any{"approximate": approx})
		h = tr.FunctionKw(nn.FnDropout, []any{h}, map[string]any{"p": p, "training": false})
		return tr.FunctionKw(nn.FnSoftmax, []any{h}, map[string]any{"dim": axis}), nil
	}})
	f := &testutil.Fixture{Tree: tree, Inputs: []string{"x", "p", "approximate", "dim"}}

	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)
	require.Len(t, m.Replacements(), 3)

	tests := []struct {
		name   string
		approx string
		dim    any
	}{
		{"tanh last axis", "tanh", int64(-1)},
		{"none first axis", "none", int64(0)},
		{"int dim", "tanh", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := map[string]any{
				"x":           testutil.Input(5, 2, 3),
				"p":           0.1,
				"approximate": tt.approx,
				"dim":         tt.dim,
			}
			want := reference(t, f, inputs)
			out, err := m.Call(nil, inputs)
			require.NoError(t, err)
			got, ok := out.(*tensor.Tensor)
			require.True(t, ok, "got %T", out)
			assert.True(t, tensor.AllClose(want, got, 1e-12, 1e-12), "want %v\ngot  %v", want, got)
		})
	}
}

func TestKeepConfiguration(t *testing.T) {
	f := toyTransformer(t)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)
	require.NoError(t, m.Configure(Configuration{"block.resadd": {OutputFormat: numerics.FP16}}))
	before := m.Configuration()

	err = m.KeepConfiguration(func() error {
		require.NoError(t, m.Configure(Configuration{
			"block.resadd":      {OutputFormat: numerics.BFLOAT16},
			"block.attn.q_proj": {WeightFormat: numerics.INT8},
		}))
		assert.Equal(t, numerics.INT8, m.Configuration()["block.attn.q_proj"].WeightFormat)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, m.Configuration())

	boom := errors.New("boom")
	err = m.KeepConfiguration(func() error {
		require.NoError(t, m.Configure(Configuration{"block.norm1": {InputFormat: numerics.INT4}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, m.Configuration())
}

func TestFoldWeights(t *testing.T) {
	f, err := testutil.Residual(dim)
	require.NoError(t, err)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)
	require.NoError(t, m.Configure(Configuration{"block.linear": {WeightFormat: numerics.BFLOAT16}}))

	x := testutil.Input(7, 2, dim)
	before, err := m.Call([]any{x}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"block.linear"}, m.FoldWeights())

	after, err := m.Call([]any{x}, nil)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(before.(*tensor.Tensor), after.(*tensor.Tensor)))

	fresh, err := testutil.Residual(dim)
	require.NoError(t, err)
	src, err := f.Tree.Attr("block.linear.weight")
	require.NoError(t, err)
	orig, err := fresh.Tree.Attr("block.linear.weight")
	require.NoError(t, err)
	assert.True(t, tensor.Equal(orig.(*tensor.Tensor), src.(*tensor.Tensor)), "source weight changed")

	require.NoError(t, m.Configure(Configuration{"block.linear": {WeightFormat: numerics.SAME}}))
	assert.Empty(t, m.FoldWeights())
}

func TestCountFLOPs(t *testing.T) {
	f, err := testutil.Residual(dim)
	require.NoError(t, err)
	m, err := Transform(f.Tree, f.Inputs)
	require.NoError(t, err)
	x := testutil.Input(7, 2, dim)
	call := func() error {
		_, err := m.Call([]any{x}, nil)
		return err
	}

	// linear: 2*8*4 multiply-adds plus 8 bias adds; each resadd: 8.
	want := map[string]int64{"block.linear": 72, "block.resadd": 8, "block.resadd_1": 8}
	counts, err := m.CountFLOPs(true, call)
	require.NoError(t, err)
	assert.Equal(t, want, counts)

	require.NoError(t, call())
	counts, err = m.CountFLOPs(false, call)
	require.NoError(t, err)
	assert.Equal(t, int64(144), counts["block.linear"], "counting is off between calls")

	counts, err = m.CountFLOPs(true, call)
	require.NoError(t, err)
	assert.Equal(t, want, counts)

	boom := errors.New("boom")
	_, err = m.CountFLOPs(true, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}
