package tensor

import (
	"fmt"
	"math"
	"slices"
)

// BroadcastShape returns the broadcast of two shapes (trailing dimensions
// aligned; size-1 dimensions stretch).
func BroadcastShape(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrShape, a, b)
		}
	}
	return out, nil
}

// broadcastIndex maps a flat index into out onto the flat index of src.
func broadcastIndex(flat int, out, src []int) int {
	idx := 0
	stride := 1
	for i := len(out) - 1; i >= 0; i-- {
		coord := flat % out[i]
		flat /= out[i]
		j := len(src) - len(out) + i
		if j < 0 {
			continue
		}
		if src[j] != 1 {
			idx += coord * stride
		}
		stride *= src[j]
	}
	return idx
}

// Binary applies fn elementwise with broadcasting.
func Binary(a, b *Tensor, fn func(x, y float64) float64) (*Tensor, error) {
	shape, err := BroadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(shape...)
	fast := slices.Equal(a.shape, b.shape)
	for i := range out.data {
		if fast {
			out.data[i] = fn(a.data[i], b.data[i])
			continue
		}
		out.data[i] = fn(a.data[broadcastIndex(i, shape, a.shape)], b.data[broadcastIndex(i, shape, b.shape)])
	}
	return out, nil
}

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float64) float64 { return x * y })
}

// Div returns a / b with broadcasting.
func Div(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float64) float64 { return x / y })
}

// Scale returns a * s.
func Scale(a *Tensor, s float64) *Tensor {
	return a.Map(func(v float64) float64 { return v * s })
}

// Transpose swaps two dimensions.
func Transpose(a *Tensor, d0, d1 int) (*Tensor, error) {
	rank := a.Dim()
	d0, err := normDim(d0, rank)
	if err != nil {
		return nil, err
	}
	d1, err = normDim(d1, rank)
	if err != nil {
		return nil, err
	}
	shape := slices.Clone(a.shape)
	shape[d0], shape[d1] = shape[d1], shape[d0]
	out := Zeros(shape...)

	coord := make([]int, rank)
	for i := range out.data {
		rem := i
		for k := rank - 1; k >= 0; k-- {
			coord[k] = rem % shape[k]
			rem /= shape[k]
		}
		coord[d0], coord[d1] = coord[d1], coord[d0]
		off := 0
		for k := 0; k < rank; k++ {
			off = off*a.shape[k] + coord[k]
		}
		out.data[i] = a.data[off]
	}
	return out, nil
}

// MatMul multiplies the last two dimensions. Supported forms:
//
//	[m,k] x [k,n]       -> [m,n]
//	[..., m,k] x [k,n]  -> [..., m,n]
//	[b,m,k] x [b,k,n]   -> [b,m,n]
//	[k] x [k,n]         -> [n]
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dim() == 1 {
		a2, err := a.Reshape(1, -1)
		if err != nil {
			return nil, err
		}
		out, err := MatMul(a2, b)
		if err != nil {
			return nil, err
		}
		return out.Reshape(out.shape[len(out.shape)-1])
	}
	if a.Dim() < 2 || b.Dim() < 2 {
		return nil, fmt.Errorf("%w: matmul needs rank >= 2, got %v and %v", ErrShape, a.shape, b.shape)
	}

	m, k := a.shape[a.Dim()-2], a.shape[a.Dim()-1]
	k2, n := b.shape[b.Dim()-2], b.shape[b.Dim()-1]
	if k != k2 {
		return nil, fmt.Errorf("%w: matmul inner dims %v x %v", ErrShape, a.shape, b.shape)
	}

	aBatch := a.shape[:a.Dim()-2]
	bBatch := b.shape[:b.Dim()-2]
	batchShape, err := BroadcastShape(aBatch, bBatch)
	if err != nil {
		return nil, err
	}
	batches := 1
	for _, d := range batchShape {
		batches *= d
	}

	outShape := append(slices.Clone(batchShape), m, n)
	out := Zeros(outShape...)
	for bi := 0; bi < batches; bi++ {
		ao := broadcastIndex(bi, batchShape, aBatch) * m * k
		bo := broadcastIndex(bi, batchShape, bBatch) * k * n
		oo := bi * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for p := 0; p < k; p++ {
					sum += a.data[ao+i*k+p] * b.data[bo+p*n+j]
				}
				out.data[oo+i*n+j] = sum
			}
		}
	}
	return out, nil
}

// BMM is a strict batched matmul: both operands must be rank 3 with equal batch.
func BMM(a, b *Tensor) (*Tensor, error) {
	if a.Dim() != 3 || b.Dim() != 3 || a.shape[0] != b.shape[0] {
		return nil, fmt.Errorf("%w: bmm needs [b,m,k] x [b,k,n], got %v and %v", ErrShape, a.shape, b.shape)
	}
	return MatMul(a, b)
}

// BAddBMM returns beta*input + alpha*(batch1 @ batch2).
func BAddBMM(input, batch1, batch2 *Tensor, beta, alpha float64) (*Tensor, error) {
	prod, err := BMM(batch1, batch2)
	if err != nil {
		return nil, err
	}
	return Binary(input, prod, func(x, y float64) float64 { return beta*x + alpha*y })
}

// Linear returns x @ weight^T + bias, where weight is [out, in] and bias is
// [out] or nil.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	wt, err := Transpose(weight, 0, 1)
	if err != nil {
		return nil, err
	}
	out, err := MatMul(x, wt)
	if err != nil {
		return nil, err
	}
	if bias == nil {
		return out, nil
	}
	return Add(out, bias)
}

// ReLU applies max(0, x).
func ReLU(a *Tensor) *Tensor {
	return a.Map(func(v float64) float64 { return math.Max(0, v) })
}

// GELU applies the Gaussian error linear unit. approximate is "none"
// (exact erf form) or "tanh".
func GELU(a *Tensor, approximate string) (*Tensor, error) {
	switch approximate {
	case "", "none":
		return a.Map(func(v float64) float64 {
			return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
		}), nil
	case "tanh":
		c := math.Sqrt(2 / math.Pi)
		return a.Map(func(v float64) float64 {
			return 0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v)))
		}), nil
	default:
		return nil, fmt.Errorf("gelu: unknown approximation %q", approximate)
	}
}

// Softmax normalizes along dim.
func Softmax(a *Tensor, dim int) (*Tensor, error) {
	if a.Dim() == 0 {
		return Scalar(1), nil
	}
	dim, err := normDim(dim, a.Dim())
	if err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	size := a.shape[dim]
	inner := 1
	for _, d := range a.shape[dim+1:] {
		inner *= d
	}
	outer := a.Size() / max(size*inner, 1)

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*size*inner + in
			maxV := math.Inf(-1)
			for s := 0; s < size; s++ {
				maxV = math.Max(maxV, a.data[base+s*inner])
			}
			var sum float64
			for s := 0; s < size; s++ {
				e := math.Exp(a.data[base+s*inner] - maxV)
				out.data[base+s*inner] = e
				sum += e
			}
			for s := 0; s < size; s++ {
				out.data[base+s*inner] /= sum
			}
		}
	}
	return out, nil
}

// LayerNorm normalizes over the trailing n elements of each row, then applies
// the optional elementwise weight and bias of shape [n].
func LayerNorm(a *Tensor, n int, weight, bias *Tensor, eps float64) (*Tensor, error) {
	if a.Dim() == 0 || a.shape[a.Dim()-1] != n {
		return nil, fmt.Errorf("%w: layer_norm over %d on shape %v", ErrShape, n, a.shape)
	}
	out := Zeros(a.shape...)
	rows := a.Size() / n
	for r := 0; r < rows; r++ {
		row := a.data[r*n : (r+1)*n]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(n)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n)
		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range row {
			y := (v - mean) * inv
			if weight != nil {
				y *= weight.data[i]
			}
			if bias != nil {
				y += bias.data[i]
			}
			out.data[r*n+i] = y
		}
	}
	return out, nil
}
