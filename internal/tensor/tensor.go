// Package tensor implements the small dense float64 tensor kernel needed to
// execute traced graphs: elementwise arithmetic with broadcasting, matrix
// products, and the activation and normalization functions used by the
// standard and instrumented modules.
//
// Tensors are immutable once built; every operation returns a new tensor.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ErrShape is wrapped by every shape mismatch.
var ErrShape = errors.New("shape mismatch")

// Tensor is a row-major dense array.
type Tensor struct {
	shape []int
	data  []float64
}

// New builds a tensor from a shape and row-major data.
func New(shape []int, data []float64) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, shape, n, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// MustNew is like New but panics on error.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Full returns a tensor of the given shape filled with v.
func Full(v float64, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return &Tensor{shape: slices.Clone(shape), data: data}
}

// Zeros returns a zero tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	return Full(0, shape...)
}

// Scalar returns a 0-dimensional tensor.
func Scalar(v float64) *Tensor {
	return &Tensor{shape: nil, data: []float64{v}}
}

// Generate builds a tensor whose i-th element (row-major) is fn(i).
func Generate(fn func(i int) float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = fn(i)
	}
	return t
}

// Shape returns a copy of the shape.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Data returns a copy of the row-major data.
func (t *Tensor) Data() []float64 { return slices.Clone(t.data) }

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int { return len(t.shape) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float64 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v for shape %v", idx, t.shape))
	}
	off := 0
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return t.data[off]
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if len(t.data) != 1 {
		return 0, fmt.Errorf("%w: item() on tensor of shape %v", ErrShape, t.shape)
	}
	return t.data[0], nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tensor%v", t.shape)
	if len(t.data) <= 8 {
		fmt.Fprintf(&b, "%v", t.data)
	}
	return b.String()
}

// Reshape returns a tensor with the same data and a new shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	out := slices.Clone(shape)
	infer := -1
	n := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one -1 in %v", ErrShape, shape)
			}
			infer = i
			continue
		}
		n *= d
	}
	if infer >= 0 {
		if n == 0 || len(t.data)%n != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape)
		}
		out[infer] = len(t.data) / n
	}
	return New(out, t.data)
}

// Map applies fn to every element.
func (t *Tensor) Map(fn func(float64) float64) *Tensor {
	out := &Tensor{shape: slices.Clone(t.shape), data: make([]float64, len(t.data))}
	for i, v := range t.data {
		out.data[i] = fn(v)
	}
	return out
}

// Equal reports exact equality of shape and data.
func Equal(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape) && slices.Equal(a.data, b.data)
}

// AllClose reports whether a and b have the same shape and
// |a-b| <= atol + rtol*|b| elementwise.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !slices.Equal(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > atol+rtol*math.Abs(b.data[i]) {
			return false
		}
	}
	return true
}

// normDim resolves a possibly negative dimension index.
func normDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("%w: dim %d out of range for rank %d", ErrShape, dim, rank)
	}
	return dim, nil
}
