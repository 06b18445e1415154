package nn

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/fxaware/internal/tensor"
)

// Canonical function identities recorded as call_function targets.
const (
	FnAdd       = "operator.add"
	FnSub       = "operator.sub"
	FnMul       = "operator.mul"
	FnTrueDiv   = "operator.truediv"
	FnMatMulOp  = "operator.matmul"
	FnMatMul    = "torch.matmul"
	FnBMM       = "torch.bmm"
	FnTorchAdd  = "torch.add"
	FnTranspose = "torch.transpose"
	FnSoftmax   = "torch.nn.functional.softmax"
	FnGELU      = "torch.nn.functional.gelu"
	FnReLU      = "torch.nn.functional.relu"
	FnDropout   = "torch.nn.functional.dropout"
	FnLayerNorm = "torch.nn.functional.layer_norm"
)

// Method names recorded as call_method targets.
const (
	MethodBAddBMM    = "baddbmm"
	MethodTranspose  = "transpose"
	MethodContiguous = "contiguous"
	MethodSoftmax    = "softmax"
	MethodAdd        = "add"
	MethodMul        = "mul"
)

// Func executes a call_function target.
type Func func(args []any, kwargs map[string]any) (any, error)

// Method executes a call_method target on self.
type Method func(self any, args []any, kwargs map[string]any) (any, error)

func binary(name string, op func(a, b *tensor.Tensor) (*tensor.Tensor, error)) Func {
	return func(args []any, kwargs map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s: expected 2 operands, got %d", name, len(args))
		}
		// plain numbers stay numbers
		if x, ok := args[0].(float64); ok {
			if y, ok := args[1].(float64); ok {
				out, err := op(tensor.Scalar(x), tensor.Scalar(y))
				if err != nil {
					return nil, err
				}
				return out.Item()
			}
		}
		a, err := AsTensor(args[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		b, err := AsTensor(args[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return op(a, b)
	}
}

func tensorPair(name string, args []any) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 operands, got %d", name, len(args))
	}
	a, err := AsTensor(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	b, err := AsTensor(args[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return a, b, nil
}

func intArg(v any, name string) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return IntFromInt64(x, name)
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", name, v)
	}
}

func floatArg(v any, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	return AsFloat(v)
}

func stringArg(v any, def string) (string, error) {
	if v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

// Softmax, GELU, ReLU and Dropout functional forms.

func softmaxFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "input", "dim"); err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	dim, err := intArg(Arg(args, kwargs, 1, "dim", int64(-1)), "dim")
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	return tensor.Softmax(x, dim)
}

func geluFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "input", "approximate"); err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	approx, err := stringArg(Arg(args, kwargs, 1, "approximate", nil), "none")
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	return tensor.GELU(x, approx)
}

func reluFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "input", "inplace"); err != nil {
		return nil, fmt.Errorf("relu: %w", err)
	}
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("relu: %w", err)
	}
	return tensor.ReLU(x), nil
}

func dropoutFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "input", "p", "training", "inplace"); err != nil {
		return nil, fmt.Errorf("dropout: %w", err)
	}
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("dropout: %w", err)
	}
	if training, _ := Arg(args, kwargs, 2, "training", false).(bool); training {
		return nil, fmt.Errorf("dropout: training mode is not supported")
	}
	return x, nil
}

func layerNormFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "input", "normalized_shape", "weight", "bias", "eps"); err != nil {
		return nil, fmt.Errorf("layer_norm: %w", err)
	}
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("layer_norm: %w", err)
	}
	shape := Arg(args, kwargs, 1, "normalized_shape", nil)
	if list, ok := shape.([]any); ok && len(list) == 1 {
		shape = list[0]
	}
	n, err := intArg(shape, "normalized_shape")
	if err != nil {
		return nil, fmt.Errorf("layer_norm: %w", err)
	}
	var w, b *tensor.Tensor
	if v := Arg(args, kwargs, 2, "weight", nil); v != nil {
		if w, err = AsTensor(v); err != nil {
			return nil, fmt.Errorf("layer_norm: weight: %w", err)
		}
	}
	if v := Arg(args, kwargs, 3, "bias", nil); v != nil {
		if b, err = AsTensor(v); err != nil {
			return nil, fmt.Errorf("layer_norm: bias: %w", err)
		}
	}
	eps, err := floatArg(Arg(args, kwargs, 4, "eps", nil), 1e-5)
	if err != nil {
		return nil, fmt.Errorf("layer_norm: eps: %w", err)
	}
	return tensor.LayerNorm(x, n, w, b, eps)
}

func transposeFn(args []any, kwargs map[string]any) (any, error) {
	x, err := TensorArg(args, kwargs, 0, "input")
	if err != nil {
		return nil, fmt.Errorf("transpose: %w", err)
	}
	d0, err := intArg(Arg(args, kwargs, 1, "dim0", nil), "dim0")
	if err != nil {
		return nil, fmt.Errorf("transpose: %w", err)
	}
	d1, err := intArg(Arg(args, kwargs, 2, "dim1", nil), "dim1")
	if err != nil {
		return nil, fmt.Errorf("transpose: %w", err)
	}
	return tensor.Transpose(x, d0, d1)
}

func torchAddFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "alpha"); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	a, b, err := tensorPair("add", args)
	if err != nil {
		return nil, err
	}
	alpha, err := floatArg(kwargs["alpha"], 1)
	if err != nil {
		return nil, fmt.Errorf("add: alpha: %w", err)
	}
	return tensor.Add(a, tensor.Scale(b, alpha))
}

func bmmFn(args []any, kwargs map[string]any) (any, error) {
	a, b, err := tensorPair("bmm", args)
	if err != nil {
		return nil, err
	}
	return tensor.BMM(a, b)
}

func matmulFn(args []any, kwargs map[string]any) (any, error) {
	a, b, err := tensorPair("matmul", args)
	if err != nil {
		return nil, err
	}
	return tensor.MatMul(a, b)
}

var functions = map[string]Func{
	FnAdd:       binary("add", tensor.Add),
	FnSub:       binary("sub", tensor.Sub),
	FnMul:       binary("mul", tensor.Mul),
	FnTrueDiv:   binary("truediv", tensor.Div),
	FnMatMulOp:  matmulFn,
	FnMatMul:    matmulFn,
	FnBMM:       bmmFn,
	FnTorchAdd:  torchAddFn,
	FnTranspose: transposeFn,
	FnSoftmax:   softmaxFn,
	FnGELU:      geluFn,
	FnReLU:      reluFn,
	FnDropout:   dropoutFn,
	FnLayerNorm: layerNormFn,
}

// BAddBMMFn computes beta*input + alpha*(batch1 @ batch2).
func BAddBMMFn(args []any, kwargs map[string]any) (any, error) {
	if err := CheckKwargs(kwargs, "beta", "alpha"); err != nil {
		return nil, fmt.Errorf("baddbmm: %w", err)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("baddbmm: expected input, batch1, batch2, got %d operands", len(args))
	}
	ts := make([]*tensor.Tensor, 3)
	for i, a := range args {
		t, err := AsTensor(a)
		if err != nil {
			return nil, fmt.Errorf("baddbmm: operand %d: %w", i, err)
		}
		ts[i] = t
	}
	beta, err := floatArg(kwargs["beta"], 1)
	if err != nil {
		return nil, fmt.Errorf("baddbmm: beta: %w", err)
	}
	alpha, err := floatArg(kwargs["alpha"], 1)
	if err != nil {
		return nil, fmt.Errorf("baddbmm: alpha: %w", err)
	}
	return tensor.BAddBMM(ts[0], ts[1], ts[2], beta, alpha)
}

func selfFirst(fn Func) Method {
	return func(self any, args []any, kwargs map[string]any) (any, error) {
		return fn(append([]any{self}, args...), kwargs)
	}
}

var methods = map[string]Method{
	MethodBAddBMM:   selfFirst(BAddBMMFn),
	MethodTranspose: selfFirst(transposeFn),
	MethodSoftmax:   selfFirst(softmaxFn),
	MethodAdd:       selfFirst(torchAddFn),
	MethodMul:       selfFirst(binary("mul", tensor.Mul)),
	MethodContiguous: func(self any, _ []any, _ map[string]any) (any, error) {
		return self, nil
	},
}

// LookupFunction returns the implementation of a call_function target.
func LookupFunction(identity string) (Func, bool) {
	fn, ok := functions[identity]
	return fn, ok
}

// LookupMethod returns the implementation of a call_method target.
func LookupMethod(name string) (Method, bool) {
	m, ok := methods[name]
	return m, ok
}

// FunctionNames returns all known function identities, sorted.
func FunctionNames() []string {
	return slices.Sorted(maps.Keys(functions))
}

// MethodNames returns all known method names, sorted.
func MethodNames() []string {
	return slices.Sorted(maps.Keys(methods))
}
