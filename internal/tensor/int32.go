package tensor

import (
	"fmt"
	"slices"
)

// Int32 is a dense row-major [rows, cols] matrix of token ids, masks, labels
// or position ids.
type Int32 struct {
	data []int32
	rows int
	cols int
}

func NewInt32(rows, cols int) *Int32 {
	return &Int32{data: make([]int32, rows*cols), rows: rows, cols: cols}
}

func FullInt32(rows, cols int, v int32) *Int32 {
	m := NewInt32(rows, cols)
	for i := range m.data {
		m.data[i] = v
	}
	return m
}

// Int32FromRows copies a rectangular [][]int32.
func Int32FromRows(rows [][]int32) (*Int32, error) {
	if len(rows) == 0 {
		return NewInt32(0, 0), nil
	}
	cols := len(rows[0])
	m := NewInt32(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return nil, mismatch("int32_from_rows", "row %d has %d columns, want %d", r, len(row), cols)
		}
		copy(m.data[r*cols:], row)
	}
	return m, nil
}

// MustInt32 is Int32FromRows for literals known to be rectangular.
func MustInt32(rows [][]int32) *Int32 {
	m, err := Int32FromRows(rows)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Int32) Rows() int { return m.rows }
func (m *Int32) Cols() int { return m.cols }

func (m *Int32) Data() []int32 { return m.data }

func (m *Int32) At(r, c int) int32 {
	return m.data[r*m.cols+c]
}

func (m *Int32) Set(r, c int, v int32) {
	m.data[r*m.cols+c] = v
}

// Row returns a view of row r.
func (m *Int32) Row(r int) []int32 {
	return m.data[r*m.cols : (r+1)*m.cols : (r+1)*m.cols]
}

func (m *Int32) Clone() *Int32 {
	return &Int32{data: slices.Clone(m.data), rows: m.rows, cols: m.cols}
}

// ToRows copies the matrix out as [][]int32.
func (m *Int32) ToRows() [][]int32 {
	out := make([][]int32, m.rows)
	for r := range out {
		out[r] = slices.Clone(m.Row(r))
	}
	return out
}

// SliceCols copies columns [start, end) with Python slice semantics:
// negative bounds count from the end and out-of-range bounds are clamped.
func (m *Int32) SliceCols(start, end int) *Int32 {
	start = clampIndex(start, m.cols)
	end = clampIndex(end, m.cols)
	if end < start {
		end = start
	}
	out := NewInt32(m.rows, end-start)
	for r := 0; r < m.rows; r++ {
		copy(out.Row(r), m.Row(r)[start:end])
	}
	return out
}

// TailCols keeps everything from start onwards, Python x[:, start:].
func (m *Int32) TailCols(start int) *Int32 {
	return m.SliceCols(start, m.cols)
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// ConcatCols joins two matrices with the same row count side by side.
func (m *Int32) ConcatCols(o *Int32) (*Int32, error) {
	if m.rows != o.rows {
		return nil, mismatch("concat_cols", "%d rows vs %d rows", m.rows, o.rows)
	}
	out := NewInt32(m.rows, m.cols+o.cols)
	for r := 0; r < m.rows; r++ {
		copy(out.Row(r), m.Row(r))
		copy(out.Row(r)[m.cols:], o.Row(r))
	}
	return out, nil
}

func (m *Int32) Contains(v int32) bool {
	return slices.Contains(m.data, v)
}

// Count returns how many elements equal v.
func (m *Int32) Count(v int32) int {
	n := 0
	for _, x := range m.data {
		if x == v {
			n++
		}
	}
	return n
}

// RowSum returns the sum of row r.
func (m *Int32) RowSum(r int) int64 {
	var s int64
	for _, x := range m.Row(r) {
		s += int64(x)
	}
	return s
}

// CumsumPositions returns cumsum(mask, -1) - 1 with masked-out positions set
// to 1, the position-id convention for padded batches.
func CumsumPositions(mask *Int32) *Int32 {
	out := NewInt32(mask.rows, mask.cols)
	for r := 0; r < mask.rows; r++ {
		var run int32
		src, dst := mask.Row(r), out.Row(r)
		for c, v := range src {
			run += v
			if v == 0 {
				dst[c] = 1
			} else {
				dst[c] = run - 1
			}
		}
	}
	return out
}

func (m *Int32) Equal(o *Int32) bool {
	return m.rows == o.rows && m.cols == o.cols && slices.Equal(m.data, o.data)
}

func (m *Int32) String() string {
	return fmt.Sprintf("Int32[%d %d]%v", m.rows, m.cols, m.ToRows())
}
