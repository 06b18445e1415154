package nn

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"fortio.org/safecast"

	"github.com/roach88/fxaware/internal/ir"
	"github.com/roach88/fxaware/internal/tensor"
)

// builder constructs a standard module from declarative parameters.
type builder func(p params, seed int64) (Module, error)

var builders = map[string]builder{
	TypeLinear:    buildLinear,
	TypeLayerNorm: buildLayerNorm,
	TypeSoftmax:   buildSoftmax,
	TypeGELU:      buildGELU,
	TypeReLU:      buildReLU,
	TypeDropout:   buildDropout,
	TypeIdentity:  func(params, int64) (Module, error) { return Identity{}, nil },
	TypeModule:    func(params, int64) (Module, error) { return &Container{}, nil },
}

// ResolveType maps a short type name ("Linear", "nn.Linear") to its fully
// qualified form. Fully qualified names are returned unchanged.
func ResolveType(name string) (string, bool) {
	if _, ok := builders[name]; ok {
		return name, true
	}
	short := name[strings.LastIndexByte(name, '.')+1:]
	for full := range builders {
		if full[strings.LastIndexByte(full, '.')+1:] == short {
			return full, true
		}
	}
	return "", false
}

// KnownTypes returns the buildable type names, sorted.
func KnownTypes() []string {
	return slices.Sorted(maps.Keys(builders))
}

// Build constructs a standard module of the given type from literal
// parameters. Weights are initialized deterministically from seed so that
// the same declaration always yields the same module.
func Build(typeName string, p map[string]ir.IRValue, seed int64) (Module, error) {
	full, ok := ResolveType(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown module type %q", typeName)
	}
	m, err := builders[full](params(p), seed)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", full, err)
	}
	return m, nil
}

// IntFromInt64 narrows an int64 parameter to int.
func IntFromInt64(v int64, name string) (int, error) {
	n, err := safecast.Conv[int](v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

type params map[string]ir.IRValue

func (p params) intParam(name string, def *int) (int, error) {
	v, ok := p[name]
	if !ok {
		if def == nil {
			return 0, fmt.Errorf("missing parameter %q", name)
		}
		return *def, nil
	}
	switch x := v.(type) {
	case ir.IRInt:
		return IntFromInt64(int64(x), name)
	case ir.IRArray:
		if len(x) == 1 {
			if i, ok := x[0].(ir.IRInt); ok {
				return IntFromInt64(int64(i), name)
			}
		}
	}
	return 0, fmt.Errorf("parameter %q must be an integer, got %T", name, v)
}

func (p params) floatParam(name string, def float64) (float64, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case ir.IRFloat:
		return float64(x), nil
	case ir.IRInt:
		return float64(x), nil
	}
	return 0, fmt.Errorf("parameter %q must be a number, got %T", name, v)
}

func (p params) boolParam(name string, def bool) (bool, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	b, ok := v.(ir.IRBool)
	if !ok {
		return false, fmt.Errorf("parameter %q must be a boolean, got %T", name, v)
	}
	return bool(b), nil
}

func (p params) stringParam(name, def string) (string, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	s, ok := v.(ir.IRString)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", name, v)
	}
	return string(s), nil
}

func (p params) only(allowed ...string) error {
	for _, k := range slices.Sorted(maps.Keys(p)) {
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("unknown parameter %q", k)
		}
	}
	return nil
}

// InitValue returns the deterministic initial value of element i of a
// parameter with the given fan-in, uniform in [-1/sqrt(fanIn), 1/sqrt(fanIn)).
func InitValue(seed int64, i, fanIn int) float64 {
	x := math.Sin(float64(seed)*12.9898+float64(i)*78.233) * 43758.5453
	frac := x - math.Floor(x)
	bound := 1 / math.Sqrt(float64(max(fanIn, 1)))
	return (2*frac - 1) * bound
}

func buildLinear(p params, seed int64) (Module, error) {
	if err := p.only("in_features", "out_features", "bias"); err != nil {
		return nil, err
	}
	in, err := p.intParam("in_features", nil)
	if err != nil {
		return nil, err
	}
	out, err := p.intParam("out_features", nil)
	if err != nil {
		return nil, err
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("features must be positive, got in=%d out=%d", in, out)
	}
	withBias, err := p.boolParam("bias", true)
	if err != nil {
		return nil, err
	}

	weight := tensor.Generate(func(i int) float64 { return InitValue(seed, i, in) }, out, in)
	var bias *tensor.Tensor
	if withBias {
		bias = tensor.Generate(func(i int) float64 { return InitValue(seed+1, i, in) }, out)
	}
	return NewLinear(weight, bias)
}

func buildLayerNorm(p params, _ int64) (Module, error) {
	if err := p.only("normalized_shape", "eps", "elementwise_affine"); err != nil {
		return nil, err
	}
	n, err := p.intParam("normalized_shape", nil)
	if err != nil {
		return nil, err
	}
	eps, err := p.floatParam("eps", 1e-5)
	if err != nil {
		return nil, err
	}
	affine, err := p.boolParam("elementwise_affine", true)
	if err != nil {
		return nil, err
	}
	ln := &LayerNorm{NormalizedShape: n, Eps: eps}
	if affine {
		ln.Weight = tensor.Full(1, n)
		ln.Bias = tensor.Zeros(n)
	}
	return ln, nil
}

func buildSoftmax(p params, _ int64) (Module, error) {
	if err := p.only("dim"); err != nil {
		return nil, err
	}
	def := -1
	dim, err := p.intParam("dim", &def)
	if err != nil {
		return nil, err
	}
	return &Softmax{Dim: dim}, nil
}

func buildGELU(p params, _ int64) (Module, error) {
	if err := p.only("approximate"); err != nil {
		return nil, err
	}
	approx, err := p.stringParam("approximate", "none")
	if err != nil {
		return nil, err
	}
	if approx != "none" && approx != "tanh" {
		return nil, fmt.Errorf("approximate must be none or tanh, got %q", approx)
	}
	return &GELU{Approximate: approx}, nil
}

func buildReLU(p params, _ int64) (Module, error) {
	if err := p.only("inplace"); err != nil {
		return nil, err
	}
	inplace, err := p.boolParam("inplace", false)
	if err != nil {
		return nil, err
	}
	return &ReLU{Inplace: inplace}, nil
}

func buildDropout(p params, _ int64) (Module, error) {
	if err := p.only("p", "inplace"); err != nil {
		return nil, err
	}
	prob, err := p.floatParam("p", 0.5)
	if err != nil {
		return nil, err
	}
	if prob < 0 || prob > 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1], got %v", prob)
	}
	return &Dropout{P: prob}, nil
}
