package numerics

import (
	"errors"
	"fmt"

	"github.com/roach88/fxaware/internal/nn"
	"github.com/roach88/fxaware/internal/tensor"
)

// ModuleConfig is the numeric configuration of one replacement module.
// Empty fields mean SAME.
type ModuleConfig struct {
	InputFormat  Format `json:"input_format,omitempty"`
	OutputFormat Format `json:"output_format,omitempty"`
	WeightFormat Format `json:"weight_format,omitempty"`
}

// Update returns c with every non-empty field of other applied on top.
func (c ModuleConfig) Update(other ModuleConfig) ModuleConfig {
	if other.InputFormat != "" {
		c.InputFormat = other.InputFormat
	}
	if other.OutputFormat != "" {
		c.OutputFormat = other.OutputFormat
	}
	if other.WeightFormat != "" {
		c.WeightFormat = other.WeightFormat
	}
	return c
}

// Normalize returns c with empty fields set to SAME.
func (c ModuleConfig) Normalize() ModuleConfig {
	return ModuleConfig{InputFormat: SAME, OutputFormat: SAME, WeightFormat: SAME}.Update(c)
}

// Validate checks every field names a known format.
func (c ModuleConfig) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    Format
	}{
		{"input_format", c.InputFormat},
		{"output_format", c.OutputFormat},
		{"weight_format", c.WeightFormat},
	} {
		if f.v != "" && !f.v.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown numeric format %q", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// Configurable is a replacement module whose numerics can be reconfigured
// after transformation.
type Configurable interface {
	nn.Module
	FLOPCounter
	Config() ModuleConfig
	SetConfig(ModuleConfig) error
	// Weighted reports whether the module casts parameters with WeightFormat.
	Weighted() bool
}

// FLOPCounter counts the floating-point operations of Forward calls while
// counting is on. Matrix products count two per multiply-accumulate;
// elementwise modules count per output element.
type FLOPCounter interface {
	CountFLOPs(on bool)
	FLOPs() int64
	ResetFLOPs()
}

// WeightFolder is implemented by modules whose parameters can be replaced
// by their WeightFormat casts.
type WeightFolder interface {
	FoldWeights()
}

// instrumented carries the numeric configuration and FLOP counter shared
// by all replacement modules. A module is not safe for concurrent calls.
type instrumented struct {
	cfg      ModuleConfig
	counting bool
	flops    int64
}

// CountFLOPs implements FLOPCounter.
func (m *instrumented) CountFLOPs(on bool) { m.counting = on }

// FLOPs implements FLOPCounter.
func (m *instrumented) FLOPs() int64 { return m.flops }

// ResetFLOPs implements FLOPCounter.
func (m *instrumented) ResetFLOPs() { m.flops = 0 }

func (m *instrumented) addFLOPs(n int) {
	if m.counting {
		m.flops += int64(n)
	}
}

// Config implements Configurable.
func (m *instrumented) Config() ModuleConfig { return m.cfg.Normalize() }

// SetConfig implements Configurable.
func (m *instrumented) SetConfig(c ModuleConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.cfg = c.Normalize()
	return nil
}

// Weighted implements Configurable.
func (*instrumented) Weighted() bool { return false }

func (m *instrumented) in(t *tensor.Tensor) *tensor.Tensor  { return m.cfg.InputFormat.Cast(t) }
func (m *instrumented) out(t *tensor.Tensor) *tensor.Tensor { return m.cfg.OutputFormat.Cast(t) }

func (m *instrumented) weight(t *tensor.Tensor) *tensor.Tensor {
	if t == nil {
		return nil
	}
	return m.cfg.WeightFormat.Cast(t)
}

// inputs converts and casts every positional argument.
func (m *instrumented) inputs(op string, args []any, n int) ([]*tensor.Tensor, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%s: expected %d operands, got %d", op, n, len(args))
	}
	out := make([]*tensor.Tensor, n)
	for i, a := range args {
		t, err := nn.AsTensor(a)
		if err != nil {
			return nil, fmt.Errorf("%s: operand %d: %w", op, i, err)
		}
		out[i] = m.in(t)
	}
	return out, nil
}

// CheckConsistency reports configuration combinations a module cannot run:
// integer weight formats on modules without weights, and integer formats on
// probability outputs.
func CheckConsistency(m Configurable) error {
	cfg := m.Config()
	if cfg.WeightFormat != SAME && !m.Weighted() {
		return fmt.Errorf("%s: weight_format %s set on a module without weights", m.TypeName(), cfg.WeightFormat)
	}
	if _, ok := m.(*Softmax); ok && cfg.OutputFormat.IsInteger() {
		return fmt.Errorf("%s: integer output_format %s cannot represent probabilities", m.TypeName(), cfg.OutputFormat)
	}
	return nil
}
