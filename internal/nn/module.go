// Package nn provides the executable module layer that traced graphs run
// against: the Module interface, the hierarchical module Tree, the standard
// leaf layers, and the function and method tables used by call_function and
// call_method nodes.
//
// Modules execute in evaluation mode only. Values flowing between modules
// are *tensor.Tensor, float64, int64, bool, string, nil or []any.
package nn

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/fxaware/internal/tensor"
)

// Type names of the standard modules. Registry module keys use these.
const (
	TypeModule    = "torch.nn.modules.module.Module"
	TypeLinear    = "torch.nn.modules.linear.Linear"
	TypeIdentity  = "torch.nn.modules.linear.Identity"
	TypeLayerNorm = "torch.nn.modules.normalization.LayerNorm"
	TypeSoftmax   = "torch.nn.modules.activation.Softmax"
	TypeGELU      = "torch.nn.modules.activation.GELU"
	TypeReLU      = "torch.nn.modules.activation.ReLU"
	TypeDropout   = "torch.nn.modules.dropout.Dropout"
)

// Module is an executable unit in a module tree.
type Module interface {
	// TypeName is the fully qualified type name used for registry lookup.
	TypeName() string
	// Forward runs the module on positional and keyword arguments.
	Forward(args []any, kwargs map[string]any) (any, error)
}

// Attributed is implemented by modules that expose named parameters
// (weight, bias) to get_attr nodes.
type Attributed interface {
	Attr(name string) (any, bool)
}

// ErrNotCallable is returned when a structural module is invoked directly.
var ErrNotCallable = errors.New("module is not callable")

// Container is a structural module with no forward computation of its own.
// Tree.Add creates Containers for missing intermediate paths.
type Container struct {
	Type string
}

// TypeName implements Module.
func (c *Container) TypeName() string {
	if c.Type != "" {
		return c.Type
	}
	return TypeModule
}

// Forward implements Module.
func (c *Container) Forward([]any, map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotCallable, c.TypeName())
}

// AsTensor converts a runtime value to a tensor. Numbers become scalars.
func AsTensor(v any) (*tensor.Tensor, error) {
	switch x := v.(type) {
	case *tensor.Tensor:
		if x == nil {
			return nil, fmt.Errorf("expected tensor, got nil")
		}
		return x, nil
	case float64:
		return tensor.Scalar(x), nil
	case int64:
		return tensor.Scalar(float64(x)), nil
	case int:
		return tensor.Scalar(float64(x)), nil
	case bool:
		if x {
			return tensor.Scalar(1), nil
		}
		return tensor.Scalar(0), nil
	default:
		return nil, fmt.Errorf("expected tensor or number, got %T", v)
	}
}

// AsFloat converts a runtime number to float64.
func AsFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case *tensor.Tensor:
		return x.Item()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Arg returns the i-th positional argument, or the keyword argument name,
// or def when neither is present.
func Arg(args []any, kwargs map[string]any, i int, name string, def any) any {
	if i >= 0 && i < len(args) {
		return args[i]
	}
	if v, ok := kwargs[name]; ok {
		return v
	}
	return def
}

// TensorArg is Arg converted to a tensor; the argument is required.
func TensorArg(args []any, kwargs map[string]any, i int, name string) (*tensor.Tensor, error) {
	v := Arg(args, kwargs, i, name, nil)
	if v == nil {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	t, err := AsTensor(v)
	if err != nil {
		return nil, fmt.Errorf("argument %q: %w", name, err)
	}
	return t, nil
}

// CheckKwargs rejects keyword arguments outside allowed.
func CheckKwargs(kwargs map[string]any, allowed ...string) error {
	for _, k := range slices.Sorted(maps.Keys(kwargs)) {
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("unexpected keyword argument %q", k)
		}
	}
	return nil
}
