package numerics

import (
	"fmt"

	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/tensor"
)

// Type names of the replacement modules.
const (
	TypeLinear    = "fxaware.numerics.Linear"
	TypeLayerNorm = "fxaware.numerics.LayerNorm"
	TypeSoftmax   = "fxaware.numerics.Softmax"
	TypeGELU      = "fxaware.numerics.GELU"
	TypeReLU      = "fxaware.numerics.ReLU"
	TypeDropout   = "fxaware.numerics.Dropout"
	TypeResAdd    = "fxaware.numerics.ResAdd"
	TypeMul       = "fxaware.numerics.Mul"
	TypeMatmul    = "fxaware.numerics.Matmul"
	TypeBAddBMM   = "fxaware.numerics.BAddBMM"
)

// Types returns the replacement module type names.
func Types() []string {
	return []string{
		TypeLinear, TypeLayerNorm, TypeSoftmax, TypeGELU, TypeReLU,
		TypeDropout, TypeResAdd, TypeMul, TypeMatmul, TypeBAddBMM,
	}
}

// Linear is the instrumented counterpart of nn.Linear. Parameters are shared
// with the module it was built from and cast with WeightFormat on use.
type Linear struct {
	instrumented
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// LinearFrom builds a Linear that reuses src's parameters.
func LinearFrom(src nn.Module) (*Linear, error) {
	l, ok := src.(*nn.Linear)
	if !ok {
		return nil, fmt.Errorf("linear: cannot build from %s", typeOf(src))
	}
	return &Linear{Weight: l.Weight, Bias: l.Bias}, nil
}

// TypeName implements nn.Module.
func (*Linear) TypeName() string { return TypeLinear }

// Weighted implements Configurable.
func (*Linear) Weighted() bool { return true }

// Forward implements nn.Module.
func (l *Linear) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := nn.TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	y, err := tensor.Linear(l.in(x), l.weight(l.Weight), l.weight(l.Bias))
	if err != nil {
		return nil, err
	}
	n := 2 * y.Size() * l.Weight.Shape()[1]
	if l.Bias != nil {
		n += y.Size()
	}
	l.addFLOPs(n)
	return l.out(y), nil
}

// FoldWeights implements WeightFolder. The parameters shared with the source
// module are not modified; WeightFormat is kept.
func (l *Linear) FoldWeights() {
	l.Weight = l.weight(l.Weight)
	l.Bias = l.weight(l.Bias)
}

// Attr implements nn.Attributed.
func (l *Linear) Attr(name string) (any, bool) {
	switch name {
	case "weight":
		return l.Weight, true
	case "bias":
		if l.Bias == nil {
			return nil, true
		}
		return l.Bias, true
	}
	return nil, false
}

// LayerNorm is the instrumented counterpart of nn.LayerNorm.
type LayerNorm struct {
	instrumented
	NormalizedShape int
	Eps             float64
	Weight          *tensor.Tensor
	Bias            *tensor.Tensor
}

// LayerNormFrom builds a LayerNorm that reuses src's parameters.
func LayerNormFrom(src nn.Module) (*LayerNorm, error) {
	l, ok := src.(*nn.LayerNorm)
	if !ok {
		return nil, fmt.Errorf("layer_norm: cannot build from %s", typeOf(src))
	}
	return &LayerNorm{NormalizedShape: l.NormalizedShape, Eps: l.Eps, Weight: l.Weight, Bias: l.Bias}, nil
}

// TypeName implements nn.Module.
func (*LayerNorm) TypeName() string { return TypeLayerNorm }

// Weighted implements Configurable.
func (*LayerNorm) Weighted() bool { return true }

// Forward implements nn.Module.
func (l *LayerNorm) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := nn.TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("layer_norm: %w", err)
	}
	y, err := tensor.LayerNorm(l.in(x), l.NormalizedShape, l.weight(l.Weight), l.weight(l.Bias), l.Eps)
	if err != nil {
		return nil, err
	}
	// mean, variance, normalize, scale, shift
	l.addFLOPs(5 * y.Size())
	return l.out(y), nil
}

// FoldWeights implements WeightFolder.
func (l *LayerNorm) FoldWeights() {
	l.Weight = l.weight(l.Weight)
	l.Bias = l.weight(l.Bias)
}

// Softmax is the instrumented softmax. A positional or keyword dim at call
// time overrides Dim.
type Softmax struct {
	instrumented
	Dim int
}

// TypeName implements nn.Module.
func (*Softmax) TypeName() string { return TypeSoftmax }

// Forward implements nn.Module.
func (s *Softmax) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs, "input", "dim"); err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	x, err := nn.TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	dim := s.Dim
	switch v := nn.Arg(args, kwargs, 1, "dim", nil).(type) {
	case nil:
	case int:
		dim = v
	case int64:
		if dim, err = nn.IntFromInt64(v, "dim"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("softmax: dim must be an integer, got %T", v)
	}
	y, err := tensor.Softmax(s.in(x), dim)
	if err != nil {
		return nil, err
	}
	// exp, sum, divide
	s.addFLOPs(3 * y.Size())
	return s.out(y), nil
}

// GELU is the instrumented GELU. A positional or keyword approximate at
// call time overrides Approximate.
type GELU struct {
	instrumented
	Approximate string
}

// TypeName implements nn.Module.
func (*GELU) TypeName() string { return TypeGELU }

// Forward implements nn.Module.
func (g *GELU) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs, "input", "approximate"); err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	x, err := nn.TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	approx := g.Approximate
	if v := nn.Arg(args, kwargs, 1, "approximate", nil); v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("gelu: approximate must be a string, got %T", v)
		}
		approx = s
	}
	y, err := tensor.GELU(g.in(x), approx)
	if err != nil {
		return nil, err
	}
	g.addFLOPs(y.Size())
	return g.out(y), nil
}

// ReLU is the instrumented ReLU.
type ReLU struct {
	instrumented
	Inplace bool
}

// TypeName implements nn.Module.
func (*ReLU) TypeName() string { return TypeReLU }

// Forward implements nn.Module.
func (r *ReLU) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs, "input", "inplace"); err != nil {
		return nil, fmt.Errorf("relu: %w", err)
	}
	x, err := nn.TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("relu: %w", err)
	}
	y := tensor.ReLU(r.in(x))
	r.addFLOPs(y.Size())
	return r.out(y), nil
}

// Dropout is the instrumented dropout; identity in evaluation mode.
type Dropout struct {
	instrumented
	P float64
}

// TypeName implements nn.Module.
func (*Dropout) TypeName() string { return TypeDropout }

// Forward implements nn.Module. A call-time p is checked but has no effect
// in evaluation mode; training=true is rejected.
func (d *Dropout) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs, "input", "p", "training", "inplace"); err != nil {
		return nil, fmt.Errorf("dropout: %w", err)
	}
	x, err := nn.TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("dropout: %w", err)
	}
	switch p := nn.Arg(args, kwargs, 1, "p", nil).(type) {
	case nil, float64, int64, int:
	default:
		return nil, fmt.Errorf("dropout: p must be a number, got %T", p)
	}
	if training, _ := nn.Arg(args, kwargs, 2, "training", false).(bool); training {
		return nil, fmt.Errorf("dropout: training mode is not supported")
	}
	return d.out(d.in(x)), nil
}

// ResAdd is the instrumented elementwise (residual) addition.
type ResAdd struct {
	instrumented
}

// TypeName implements nn.Module.
func (*ResAdd) TypeName() string { return TypeResAdd }

// Forward implements nn.Module.
func (r *ResAdd) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs); err != nil {
		return nil, fmt.Errorf("resadd: %w", err)
	}
	ts, err := r.inputs("resadd", args, 2)
	if err != nil {
		return nil, err
	}
	y, err := tensor.Add(ts[0], ts[1])
	if err != nil {
		return nil, err
	}
	r.addFLOPs(y.Size())
	return r.out(y), nil
}

// Mul is the instrumented elementwise multiplication.
type Mul struct {
	instrumented
}

// TypeName implements nn.Module.
func (*Mul) TypeName() string { return TypeMul }

// Forward implements nn.Module.
func (m *Mul) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs); err != nil {
		return nil, fmt.Errorf("mul: %w", err)
	}
	ts, err := m.inputs("mul", args, 2)
	if err != nil {
		return nil, err
	}
	y, err := tensor.Mul(ts[0], ts[1])
	if err != nil {
		return nil, err
	}
	m.addFLOPs(y.Size())
	return m.out(y), nil
}

// Matmul is the instrumented matrix product; it also serves bmm.
type Matmul struct {
	instrumented
}

// TypeName implements nn.Module.
func (*Matmul) TypeName() string { return TypeMatmul }

// Forward implements nn.Module.
func (m *Matmul) Forward(args []any, kwargs map[string]any) (any, error) {
	if err := nn.CheckKwargs(kwargs); err != nil {
		return nil, fmt.Errorf("matmul: %w", err)
	}
	ts, err := m.inputs("matmul", args, 2)
	if err != nil {
		return nil, err
	}
	y, err := tensor.MatMul(ts[0], ts[1])
	if err != nil {
		return nil, err
	}
	m.addFLOPs(2 * y.Size() * innerDim(ts[0]))
	return m.out(y), nil
}

// BAddBMM is the instrumented fused beta*input + alpha*(batch1 @ batch2).
type BAddBMM struct {
	instrumented
}

// TypeName implements nn.Module.
func (*BAddBMM) TypeName() string { return TypeBAddBMM }

// Forward implements nn.Module.
func (b *BAddBMM) Forward(args []any, kwargs map[string]any) (any, error) {
	ts, err := b.inputs("baddbmm", args, 3)
	if err != nil {
		return nil, err
	}
	y, err := nn.BAddBMMFn([]any{ts[0], ts[1], ts[2]}, kwargs)
	if err != nil {
		return nil, err
	}
	out := y.(*tensor.Tensor)
	// the product, then beta*input + alpha*product
	b.addFLOPs(2*out.Size()*innerDim(ts[1]) + 3*out.Size())
	return b.out(out), nil
}

// innerDim is the contracted dimension of a matrix product's left operand.
func innerDim(a *tensor.Tensor) int {
	shape := a.Shape()
	if len(shape) == 0 {
		return 1
	}
	return shape[len(shape)-1]
}

func typeOf(m nn.Module) string {
	if m == nil {
		return "<nil>"
	}
	return m.TypeName()
}
