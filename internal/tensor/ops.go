package tensor

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Linear computes x·w + b over the last axis of x.
// x is [..., in], w is [in, out], b is [out] or nil; the result is [..., out].
func Linear(x, w, b *Tensor) (*Tensor, error) {
	return linear(x, w, b, false)
}

// LinearT computes x·wᵀ + b with w stored as [out, in], the layout of
// embedding tables reused as output heads.
func LinearT(x, w, b *Tensor) (*Tensor, error) {
	return linear(x, w, b, true)
}

func linear(x, w, b *Tensor, transposed bool) (*Tensor, error) {
	if w.Rank() != 2 || x.Rank() == 0 {
		return nil, mismatch("linear", "x%v w%v", x.shape, w.shape)
	}
	in, out := w.shape[0], w.shape[1]
	trans := blas.NoTrans
	if transposed {
		in, out = out, in
		trans = blas.Trans
	}
	rows, cols := x.Rows()
	if cols != in && x.Len() != 0 {
		return nil, mismatch("linear", "x%v w%v", x.shape, w.shape)
	}
	if b != nil && b.Len() != out {
		return nil, mismatch("linear", "bias%v for %d outputs", b.shape, out)
	}

	shape := append(x.Shape()[:x.Rank()-1], out)
	res := New(shape...)
	if rows == 0 || out == 0 {
		return res, nil
	}

	beta := float32(0)
	if b != nil {
		for r := 0; r < rows; r++ {
			copy(res.data[r*out:(r+1)*out], b.data)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, trans, 1,
		general(rows, in, x.data),
		general(w.shape[0], w.shape[1], w.data),
		beta,
		general(rows, out, res.data))
	return res, nil
}

// MatMul multiplies two matrices.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 || a.shape[1] != b.shape[0] {
		return nil, mismatch("matmul", "a%v b%v", a.shape, b.shape)
	}
	return Linear(a, b, nil)
}

// Add returns a + b for identically shaped tensors.
func Add(a, b *Tensor) (*Tensor, error) {
	if len(a.data) != len(b.data) {
		return nil, mismatch("add", "a%v b%v", a.shape, b.shape)
	}
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] += v
	}
	return out, nil
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) error {
	if len(a.data) != len(b.data) {
		return mismatch("add", "a%v b%v", a.shape, b.shape)
	}
	for i, v := range b.data {
		a.data[i] += v
	}
	return nil
}

// Mul returns the element-wise product.
func Mul(a, b *Tensor) (*Tensor, error) {
	if len(a.data) != len(b.data) {
		return nil, mismatch("mul", "a%v b%v", a.shape, b.shape)
	}
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] *= v
	}
	return out, nil
}

func (t *Tensor) Scale(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// RMSNorm normalises every vector along the last axis and multiplies by w.
func RMSNorm(x, w *Tensor, eps float32) (*Tensor, error) {
	rows, size := x.Rows()
	if w.Len() != size {
		return nil, mismatch("rms_norm", "x%v w%v", x.shape, w.shape)
	}
	out := New(x.shape...)
	ParallelRows(rows, func(start, end int) {
		for row := start; row < end; row++ {
			in := x.data[row*size : (row+1)*size]
			dst := out.data[row*size : (row+1)*size]
			var sum float32
			for _, v := range in {
				sum += v * v
			}
			inv := 1 / math32.Sqrt(sum/float32(size)+eps)
			for j, v := range in {
				dst[j] = v * inv * w.data[j]
			}
		}
	})
	return out, nil
}

// Softmax normalises x in place. Entries equal to -Inf get probability zero;
// a vector with no finite entry becomes all zeros.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := math32.Inf(-1)
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	if math32.IsInf(maxVal, -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	var sum float32
	for i, v := range x {
		x[i] = math32.Exp(v - maxVal)
		sum += x[i]
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

// LogSumExp is the numerically stable log(Σ exp(x)).
func LogSumExp(x []float32) float32 {
	maxVal := math32.Inf(-1)
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	if math32.IsInf(maxVal, 0) {
		return maxVal
	}
	var sum float32
	for _, v := range x {
		sum += math32.Exp(v - maxVal)
	}
	return maxVal + math32.Log(sum)
}

// RoPE rotates consecutive (even, odd) pairs of one head vector by
// pos·theta^(-i/len(vec)).
func RoPE(vec []float32, pos int, theta float32) {
	headDim := len(vec)
	for i := 0; i+1 < headDim; i += 2 {
		freq := math32.Pow(theta, -float32(i)/float32(headDim))
		angle := float32(pos) * freq
		sin, cos := math32.Sincos(angle)
		x0, x1 := vec[i], vec[i+1]
		vec[i] = x0*cos - x1*sin
		vec[i+1] = x0*sin + x1*cos
	}
}

// Dot is the inner product of two equally long vectors.
func Dot(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}
	return s
}
