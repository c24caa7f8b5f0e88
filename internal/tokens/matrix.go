// Package tokens holds the immutable integer matrices exchanged between the
// prompt encoder, the generation engine and the codec.
package tokens

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("tokens: shape mismatch")

// Matrix is a row-major rows x cols int64 matrix. The zero value is an empty
// 0x0 matrix. A Matrix is never modified after construction; every operation
// returning a Matrix allocates.
type Matrix struct {
	rows int
	cols int
	data []int64
}

// New copies data into a rows x cols matrix.
func New(rows, cols int, data []int64) (Matrix, error) {
	if rows < 0 || cols < 0 {
		return Matrix{}, fmt.Errorf("%w: negative dimensions %dx%d", ErrShape, rows, cols)
	}
	if len(data) != rows*cols {
		return Matrix{}, fmt.Errorf("%w: %dx%d needs %d values, got %d", ErrShape, rows, cols, rows*cols, len(data))
	}
	return Matrix{rows: rows, cols: cols, data: append([]int64(nil), data...)}, nil
}

// Zeros returns a rows x cols matrix of zeros.
func Zeros(rows, cols int) Matrix {
	return Matrix{rows: rows, cols: cols, data: make([]int64, rows*cols)}
}

// FromRows builds a matrix from equally sized rows.
func FromRows(rows [][]int64) (Matrix, error) {
	if len(rows) == 0 {
		return Matrix{}, nil
	}
	cols := len(rows[0])
	data := make([]int64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return Matrix{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShape, i, len(r), cols)
		}
		data = append(data, r...)
	}
	return Matrix{rows: len(rows), cols: cols, data: data}, nil
}

// FromColumns builds a matrix whose j-th column is cols[j].
func FromColumns(rows int, cols [][]int64) (Matrix, error) {
	m := Zeros(rows, len(cols))
	for j, c := range cols {
		if len(c) != rows {
			return Matrix{}, fmt.Errorf("%w: column %d has %d rows, want %d", ErrShape, j, len(c), rows)
		}
		for i, v := range c {
			m.data[i*m.cols+j] = v
		}
	}
	return m, nil
}

func (m Matrix) Rows() int { return m.rows }
func (m Matrix) Cols() int { return m.cols }

func (m Matrix) At(row, col int) int64 {
	return m.data[row*m.cols+col]
}

// Row returns a copy of row i.
func (m Matrix) Row(i int) []int64 {
	return append([]int64(nil), m.data[i*m.cols:(i+1)*m.cols]...)
}

// Column returns a copy of column j.
func (m Matrix) Column(j int) []int64 {
	out := make([]int64, m.rows)
	for i := range out {
		out[i] = m.data[i*m.cols+j]
	}
	return out
}

// Data returns a copy of the row-major backing values.
func (m Matrix) Data() []int64 {
	return append([]int64(nil), m.data...)
}

// Concat joins matrices along the column axis. Empty (0-column) operands are
// ignored so callers can concatenate optional segments.
func Concat(parts ...Matrix) (Matrix, error) {
	rows, cols := -1, 0
	for _, p := range parts {
		if p.cols == 0 {
			continue
		}
		if rows >= 0 && p.rows != rows {
			return Matrix{}, fmt.Errorf("%w: cannot concat %d rows with %d rows", ErrShape, rows, p.rows)
		}
		rows = p.rows
		cols += p.cols
	}
	if rows < 0 {
		return Matrix{}, nil
	}

	out := Zeros(rows, cols)
	off := 0
	for _, p := range parts {
		if p.cols == 0 {
			continue
		}
		for i := 0; i < rows; i++ {
			copy(out.data[i*cols+off:], p.data[i*p.cols:(i+1)*p.cols])
		}
		off += p.cols
	}
	return out, nil
}

// Slice returns columns [from, to).
func (m Matrix) Slice(from, to int) (Matrix, error) {
	if from < 0 || to > m.cols || from > to {
		return Matrix{}, fmt.Errorf("%w: slice [%d:%d] of %d columns", ErrShape, from, to, m.cols)
	}
	out := Zeros(m.rows, to-from)
	for i := 0; i < m.rows; i++ {
		copy(out.data[i*out.cols:], m.data[i*m.cols+from:i*m.cols+to])
	}
	return out, nil
}

// PadLeft prepends columns filled with pad so the result has width columns.
// The returned mask is false on padding and true on original columns.
func (m Matrix) PadLeft(width int, pad int64) (Matrix, []bool, error) {
	if width < m.cols {
		return Matrix{}, nil, fmt.Errorf("%w: cannot pad %d columns to %d", ErrShape, m.cols, width)
	}
	n := width - m.cols
	out := Zeros(m.rows, width)
	for i := 0; i < m.rows; i++ {
		row := out.data[i*width : (i+1)*width]
		for j := 0; j < n; j++ {
			row[j] = pad
		}
		copy(row[n:], m.data[i*m.cols:(i+1)*m.cols])
	}
	mask := make([]bool, width)
	for j := n; j < width; j++ {
		mask[j] = true
	}
	return out, mask, nil
}

// Equal reports whether a and b have the same shape and values.
func Equal(a, b Matrix) bool {
	if a.rows != b.rows || a.cols != b.cols {
		return false
	}
	for i := range a.data {
		if a.data[i] != b.data[i] {
			return false
		}
	}
	return true
}

func (m Matrix) String() string {
	return fmt.Sprintf("tokens.Matrix(%dx%d)", m.rows, m.cols)
}
