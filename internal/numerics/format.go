// Package numerics provides the numerically-instrumented replacement modules
// that the rewrite engine swaps in, the numeric formats they cast through,
// and the default replacement registry.
//
// Formats are simulated ("fake-quantized"): values stay float64, but every
// cast rounds them to what the target format can represent. A module whose
// formats are all SAME computes exactly what the module it replaced computed.
package numerics

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/fxaware/internal/tensor"
)

// Format names a numeric representation.
type Format string

// Supported formats.
const (
	SAME     Format = "SAME"
	FP32     Format = "FP32"
	FP16     Format = "FP16"
	BFLOAT16 Format = "BFLOAT16"
	INT8     Format = "INT8"
	INT4     Format = "INT4"
)

var knownFormats = []Format{SAME, FP32, FP16, BFLOAT16, INT8, INT4}

// Formats returns every supported format in declaration order.
func Formats() []Format {
	return slices.Clone(knownFormats)
}

// ParseFormat parses a format name case-insensitively. The empty string
// parses as SAME.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return SAME, nil
	}
	f := Format(strings.ToUpper(strings.TrimSpace(s)))
	if f == "BF16" {
		f = BFLOAT16
	}
	if !slices.Contains(knownFormats, f) {
		return "", fmt.Errorf("unknown numeric format %q", s)
	}
	return f, nil
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	return slices.Contains(knownFormats, f)
}

// IsInteger reports whether f is a fixed-point format.
func (f Format) IsInteger() bool {
	return f == INT8 || f == INT4
}

// Cast rounds every element of t to f. SAME returns t itself.
func (f Format) Cast(t *tensor.Tensor) *tensor.Tensor {
	switch f {
	case "", SAME:
		return t
	case FP32:
		return t.Map(roundFP32)
	case FP16:
		return t.Map(roundFP16)
	case BFLOAT16:
		return t.Map(roundBF16)
	case INT8:
		return quantizeSymmetric(t, 127)
	case INT4:
		return quantizeSymmetric(t, 7)
	default:
		return t
	}
}

func roundFP32(v float64) float64 {
	return float64(float32(v))
}

// roundBF16 keeps the top 16 bits of the float32 encoding, rounding to
// nearest even.
func roundBF16(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	bits := math.Float32bits(float32(v))
	bits += 0x7FFF + ((bits >> 16) & 1)
	bits &= 0xFFFF0000
	return float64(math.Float32frombits(bits))
}

const (
	fp16Max       = 65504
	fp16MinNormal = 1.0 / (1 << 14)
	fp16Quantum   = 1.0 / (1 << 24)
)

// roundFP16 rounds to IEEE 754 binary16: 10 explicit mantissa bits,
// subnormals below 2^-14, overflow to infinity.
func roundFP16(v float64) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	if math.Abs(v) < fp16MinNormal {
		return math.RoundToEven(v/fp16Quantum) * fp16Quantum
	}
	frac, exp := math.Frexp(v)
	const scale = 1 << 11
	r := math.Ldexp(math.RoundToEven(frac*scale)/scale, exp)
	if math.Abs(r) > fp16Max {
		return math.Copysign(math.Inf(1), v)
	}
	return r
}

// quantizeSymmetric applies per-tensor symmetric quantization with integer
// range [-qmax, qmax] and dequantizes back.
func quantizeSymmetric(t *tensor.Tensor, qmax float64) *tensor.Tensor {
	var maxAbs float64
	for _, v := range t.Data() {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	if maxAbs == 0 || math.IsInf(maxAbs, 0) {
		return t.Map(func(v float64) float64 { return v })
	}
	scale := maxAbs / qmax
	return t.Map(func(v float64) float64 {
		q := math.RoundToEven(v / scale)
		q = math.Max(-qmax, math.Min(qmax, q))
		return q * scale
	})
}
