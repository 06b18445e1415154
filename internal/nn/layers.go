package nn

import (
	"fmt"

	"github.com/roach88/fxaware/internal/tensor"
)

// Linear applies y = x W^T + b.
type Linear struct {
	InFeatures  int
	OutFeatures int
	Weight      *tensor.Tensor // [out, in]
	Bias        *tensor.Tensor // [out] or nil
}

// NewLinear builds a Linear layer, checking parameter shapes.
func NewLinear(weight, bias *tensor.Tensor) (*Linear, error) {
	if weight == nil || weight.Dim() != 2 {
		return nil, fmt.Errorf("linear: weight must be rank 2")
	}
	shape := weight.Shape()
	if bias != nil && (bias.Dim() != 1 || bias.Shape()[0] != shape[0]) {
		return nil, fmt.Errorf("linear: bias shape %v does not match %d outputs", bias.Shape(), shape[0])
	}
	return &Linear{InFeatures: shape[1], OutFeatures: shape[0], Weight: weight, Bias: bias}, nil
}

// TypeName implements Module.
func (*Linear) TypeName() string { return TypeLinear }

// Forward implements Module.
func (l *Linear) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	return tensor.Linear(x, l.Weight, l.Bias)
}

// Attr implements Attributed.
func (l *Linear) Attr(name string) (any, bool) {
	switch name {
	case "weight":
		return l.Weight, true
	case "bias":
		return optTensor(l.Bias), true
	}
	return nil, false
}

// optTensor keeps a missing parameter an untyped nil.
func optTensor(t *tensor.Tensor) any {
	if t == nil {
		return nil
	}
	return t
}

// LayerNorm normalizes over the last dimension.
type LayerNorm struct {
	NormalizedShape int
	Eps             float64
	Weight          *tensor.Tensor // [n] or nil
	Bias            *tensor.Tensor // [n] or nil
}

// TypeName implements Module.
func (*LayerNorm) TypeName() string { return TypeLayerNorm }

// Forward implements Module.
func (l *LayerNorm) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("layer_norm: %w", err)
	}
	return tensor.LayerNorm(x, l.NormalizedShape, l.Weight, l.Bias, l.Eps)
}

// Attr implements Attributed.
func (l *LayerNorm) Attr(name string) (any, bool) {
	switch name {
	case "weight":
		return optTensor(l.Weight), true
	case "bias":
		return optTensor(l.Bias), true
	}
	return nil, false
}

// Softmax normalizes along Dim.
type Softmax struct {
	Dim int
}

// TypeName implements Module.
func (*Softmax) TypeName() string { return TypeSoftmax }

// Forward implements Module.
func (s *Softmax) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	return tensor.Softmax(x, s.Dim)
}

// GELU applies the Gaussian error linear unit.
type GELU struct {
	Approximate string
}

// TypeName implements Module.
func (*GELU) TypeName() string { return TypeGELU }

// Forward implements Module.
func (g *GELU) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	return tensor.GELU(x, g.Approximate)
}

// ReLU applies max(0, x).
type ReLU struct {
	Inplace bool
}

// TypeName implements Module.
func (*ReLU) TypeName() string { return TypeReLU }

// Forward implements Module.
func (*ReLU) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("relu: %w", err)
	}
	return tensor.ReLU(x), nil
}

// Dropout is the identity in evaluation mode.
type Dropout struct {
	P float64
}

// TypeName implements Module.
func (*Dropout) TypeName() string { return TypeDropout }

// Forward implements Module.
func (*Dropout) Forward(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("dropout: %w", err)
	}
	return x, nil
}

// Identity returns its input.
type Identity struct{}

// TypeName implements Module.
func (Identity) TypeName() string { return TypeIdentity }

// Forward implements Module.
func (Identity) Forward(args []any, kwargs map[string]any) (any, error) {
	return Arg(args, kwargs, 0, "input", nil), nil
}
