package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// ErrShapeMismatch is returned by every op whose operands disagree in shape.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

func mismatch(op string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrShapeMismatch, op, fmt.Sprintf(format, args...))
}

// Tensor is a dense row-major float32 array of arbitrary rank.
type Tensor struct {
	data  []float32
	shape []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	return &Tensor{
		data:  make([]float32, numel(shape)),
		shape: slices.Clone(shape),
	}
}

// Full allocates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromData wraps data without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, mismatch("from_data", "%d elements for shape %v", len(data), shape)
	}
	return &Tensor{data: data, shape: slices.Clone(shape)}, nil
}

// MustFromData is FromData for literals known to be well formed.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Len() int {
	return len(t.data)
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) > len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v for shape %v", idx, t.shape))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	for _, d := range t.shape[len(idx):] {
		off *= d
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Vec returns the innermost vector at the given leading index as a view.
func (t *Tensor) Vec(idx ...int) []float32 {
	if len(idx) != len(t.shape)-1 {
		panic(fmt.Sprintf("tensor: Vec needs %d indices, got %d", len(t.shape)-1, len(idx)))
	}
	off := t.offset(idx)
	last := t.shape[len(t.shape)-1]
	return t.data[off : off+last : off+last]
}

// Sub returns a view over the sub-tensor at the given leading indices.
func (t *Tensor) Sub(idx ...int) *Tensor {
	off := t.offset(idx)
	shape := t.shape[len(idx):]
	n := numel(shape)
	return &Tensor{data: t.data[off : off+n : off+n], shape: slices.Clone(shape)}
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{data: slices.Clone(t.data), shape: slices.Clone(t.shape)}
}

// Reshape returns a view with a new shape over the same data. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, mismatch("reshape", "more than one inferred dimension in %v", shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, mismatch("reshape", "cannot infer %v from %v", shape, t.shape)
		}
		shape[infer] = len(t.data) / known
	}
	if numel(shape) != len(t.data) {
		return nil, mismatch("reshape", "%v to %v", t.shape, shape)
	}
	return &Tensor{data: t.data, shape: shape}, nil
}

// Rows views a tensor of any rank >= 1 as a matrix [prod(leading), last].
func (t *Tensor) Rows() (rows, cols int) {
	if len(t.shape) == 0 {
		return 1, 1
	}
	cols = t.shape[len(t.shape)-1]
	if cols == 0 {
		return 0, 0
	}
	return len(t.data) / cols, cols
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.shape, o.shape)
}

func (t *Tensor) Equal(o *Tensor) bool {
	return slices.Equal(t.shape, o.shape) && slices.Equal(t.data, o.data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}
