package numerics

import (
	"fmt"
	"slices"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/registry"
)

// Registry returns the default replacement tables:
//
//   - standard modules (Linear, LayerNorm, Softmax, GELU, ReLU, Dropout)
//     are replaced by their instrumented counterparts;
//   - operator.add and operator.mul become ResAdd and Mul when both operands
//     are graph-produced;
//   - matmul, bmm and the @ operator always become Matmul;
//   - functional softmax, gelu, relu and dropout become their module forms,
//     consuming their configuration keywords at construction;
//   - the baddbmm method becomes BAddBMM.
//
// Each call returns a fresh Registry.
func Registry() *registry.Registry {
	return registry.MustNew(Entries()...)
}

// Entries returns the rows of the default registry.
func Entries() []registry.Entry {
	return slices.Concat(moduleEntries(), functionEntries(), methodEntries())
}

func moduleEntries() []registry.Entry {
	return []registry.Entry{
		moduleEntry(nn.TypeLinear, TypeLinear, func(src nn.Module) (nn.Module, error) { return LinearFrom(src) }),
		moduleEntry(nn.TypeLayerNorm, TypeLayerNorm, func(src nn.Module) (nn.Module, error) { return LayerNormFrom(src) }),
		moduleEntry(nn.TypeSoftmax, TypeSoftmax, func(src nn.Module) (nn.Module, error) {
			s, ok := src.(*nn.Softmax)
			if !ok {
				return nil, fmt.Errorf("softmax: cannot build from %s", typeOf(src))
			}
			return &Softmax{Dim: s.Dim}, nil
		}),
		moduleEntry(nn.TypeGELU, TypeGELU, func(src nn.Module) (nn.Module, error) {
			g, ok := src.(*nn.GELU)
			if !ok {
				return nil, fmt.Errorf("gelu: cannot build from %s", typeOf(src))
			}
			return &GELU{Approximate: g.Approximate}, nil
		}),
		moduleEntry(nn.TypeReLU, TypeReLU, func(src nn.Module) (nn.Module, error) {
			r, ok := src.(*nn.ReLU)
			if !ok {
				return nil, fmt.Errorf("relu: cannot build from %s", typeOf(src))
			}
			return &ReLU{Inplace: r.Inplace}, nil
		}),
		moduleEntry(nn.TypeDropout, TypeDropout, func(src nn.Module) (nn.Module, error) {
			d, ok := src.(*nn.Dropout)
			if !ok {
				return nil, fmt.Errorf("dropout: cannot build from %s", typeOf(src))
			}
			return &Dropout{P: d.P}, nil
		}),
	}
}

func moduleEntry(from, to string, build func(src nn.Module) (nn.Module, error)) registry.Entry {
	return registry.Entry{
		Key:      registry.ModuleKey(from),
		TypeName: to,
		Constructor: registry.Constructor{
			Build: func(src nn.Module, _ map[string]ir.IRValue) (nn.Module, error) {
				return build(src)
			},
		},
	}
}

func functionEntries() []registry.Entry {
	matmul := registry.Constructor{Build: func(nn.Module, map[string]ir.IRValue) (nn.Module, error) {
		return &Matmul{}, nil
	}}
	return []registry.Entry{
		{
			Key:      registry.FunctionKey(nn.FnAdd),
			TypeName: TypeResAdd,
			Guard:    registry.BinaryOperandsGraphProduced,
			Suffix:   "resadd",
			Constructor: registry.Constructor{Build: func(nn.Module, map[string]ir.IRValue) (nn.Module, error) {
				return &ResAdd{}, nil
			}},
		},
		{
			Key:      registry.FunctionKey(nn.FnMul),
			TypeName: TypeMul,
			Guard:    registry.BinaryOperandsGraphProduced,
			Suffix:   "mul",
			Constructor: registry.Constructor{Build: func(nn.Module, map[string]ir.IRValue) (nn.Module, error) {
				return &Mul{}, nil
			}},
		},
		{Key: registry.FunctionKey(nn.FnMatMul), TypeName: TypeMatmul, Suffix: "matmul", Constructor: matmul},
		{Key: registry.FunctionKey(nn.FnMatMulOp), TypeName: TypeMatmul, Suffix: "matmul", Constructor: matmul},
		{Key: registry.FunctionKey(nn.FnBMM), TypeName: TypeMatmul, Suffix: "matmul", Constructor: matmul},
		{
			Key:      registry.FunctionKey(nn.FnSoftmax),
			TypeName: TypeSoftmax,
			Constructor: registry.Constructor{
				Params: []string{"dim"},
				Build: func(_ nn.Module, init map[string]ir.IRValue) (nn.Module, error) {
					dim, err := intInit(init, "dim", -1)
					if err != nil {
						return nil, err
					}
					return &Softmax{Dim: dim}, nil
				},
			},
		},
		{
			Key:      registry.FunctionKey(nn.FnGELU),
			TypeName: TypeGELU,
			Constructor: registry.Constructor{
				Params: []string{"approximate"},
				Build: func(_ nn.Module, init map[string]ir.IRValue) (nn.Module, error) {
					approx := "none"
					if v, ok := init["approximate"]; ok {
						s, ok := v.(ir.IRString)
						if !ok || (s != "none" && s != "tanh") {
							return nil, fmt.Errorf("gelu: approximate must be none or tanh, got %v", ir.FromIRValue(v))
						}
						approx = string(s)
					}
					return &GELU{Approximate: approx}, nil
				},
			},
		},
		{
			Key:      registry.FunctionKey(nn.FnReLU),
			TypeName: TypeReLU,
			Constructor: registry.Constructor{
				Params: []string{"inplace"},
				Build: func(_ nn.Module, init map[string]ir.IRValue) (nn.Module, error) {
					inplace, _ := init["inplace"].(ir.IRBool)
					return &ReLU{Inplace: bool(inplace)}, nil
				},
			},
		},
		{
			Key:      registry.FunctionKey(nn.FnDropout),
			TypeName: TypeDropout,
			Constructor: registry.Constructor{
				Params: []string{"p"},
				Build: func(_ nn.Module, init map[string]ir.IRValue) (nn.Module, error) {
					p := 0.5
					switch v := init["p"].(type) {
					case nil:
					case ir.IRFloat:
						p = float64(v)
					case ir.IRInt:
						p = float64(v)
					default:
						return nil, fmt.Errorf("dropout: p must be a number, got %T", v)
					}
					if p < 0 || p > 1 {
						return nil, fmt.Errorf("dropout: probability must be in [0, 1], got %v", p)
					}
					return &Dropout{P: p}, nil
				},
			},
		},
	}
}

func methodEntries() []registry.Entry {
	return []registry.Entry{{
		Key:      registry.MethodKey(nn.MethodBAddBMM),
		TypeName: TypeBAddBMM,
		Constructor: registry.Constructor{Build: func(nn.Module, map[string]ir.IRValue) (nn.Module, error) {
			return &BAddBMM{}, nil
		}},
	}}
}

func intInit(init map[string]ir.IRValue, name string, def int) (int, error) {
	v, ok := init[name]
	if !ok {
		return def, nil
	}
	i, ok := v.(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer, got %T", name, v)
	}
	return nn.IntFromInt64(int64(i), name)
}
