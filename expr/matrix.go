package expr

import (
	"fmt"
	"math"
	"sort"
)

// Matrix is a read-only cells x genes expression matrix.
type Matrix interface {
	// Dims returns the number of rows (cells) and columns (genes).
	Dims() (rows, cols int)
	// At returns the value at row i, column j.
	At(i, j int) float64
}

// Dense is a row-major matrix of float64.
type Dense struct {
	rows, cols int
	data       []float64
}

// NewDense wraps data, which must have rows*cols elements, as a Dense matrix.
// If data is nil, a zero matrix is allocated.
func NewDense(rows, cols int, data []float64) *Dense {
	if data == nil {
		data = make([]float64, rows*cols)
	}
	if len(data) != rows*cols {
		panic(fmt.Sprintf("expr.NewDense: %d elements for a %dx%d matrix", len(data), rows, cols))
	}
	return &Dense{rows: rows, cols: cols, data: data}
}

// Dims implements Matrix.
func (m *Dense) Dims() (int, int) { return m.rows, m.cols }

// At implements Matrix.
func (m *Dense) At(i, j int) float64 { return m.data[i*m.cols+j] }

// Set sets the value at row i, column j.
func (m *Dense) Set(i, j int, v float64) { m.data[i*m.cols+j] = v }

// Row returns row i. The slice aliases the matrix storage.
func (m *Dense) Row(i int) []float64 { return m.data[i*m.cols : (i+1)*m.cols] }

// Data returns the row-major backing slice.
func (m *Dense) Data() []float64 { return m.data }

// CSR is a compressed-sparse-row matrix. Column indices within a row are
// sorted in ascending order.
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

// NewCSR creates a CSR matrix from its raw arrays. len(indptr) must be
// rows+1, and indices within each row must be sorted.
func NewCSR(rows, cols int, indptr, indices []int, data []float64) (*CSR, error) {
	if len(indptr) != rows+1 {
		return nil, fmt.Errorf("expr.NewCSR: indptr has %d entries, expect %d", len(indptr), rows+1)
	}
	if len(indices) != len(data) || indptr[rows] != len(data) {
		return nil, fmt.Errorf("expr.NewCSR: inconsistent nnz (indices %d, data %d, indptr %d)",
			len(indices), len(data), indptr[rows])
	}
	for i := 0; i < rows; i++ {
		for k := indptr[i]; k < indptr[i+1]; k++ {
			if indices[k] < 0 || indices[k] >= cols {
				return nil, fmt.Errorf("expr.NewCSR: row %d: column %d out of range", i, indices[k])
			}
			if k > indptr[i] && indices[k] <= indices[k-1] {
				return nil, fmt.Errorf("expr.NewCSR: row %d: column indices not strictly increasing", i)
			}
		}
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// Dims implements Matrix.
func (m *CSR) Dims() (int, int) { return m.rows, m.cols }

// At implements Matrix.
func (m *CSR) At(i, j int) float64 {
	start, end := m.indptr[i], m.indptr[i+1]
	idx := m.indices[start:end]
	k := sort.SearchInts(idx, j)
	if k < len(idx) && idx[k] == j {
		return m.data[start+k]
	}
	return 0
}

// NNZ returns the number of stored elements.
func (m *CSR) NNZ() int { return len(m.data) }

// Dense converts m to a dense matrix.
func (m *CSR) Dense() *Dense {
	d := NewDense(m.rows, m.cols, nil)
	for i := 0; i < m.rows; i++ {
		row := d.Row(i)
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			row[m.indices[k]] = m.data[k]
		}
	}
	return d
}

// Empty is a shape-only placeholder whose elements are all zero. It stands in
// for a matrix whose values live elsewhere, e.g., in a shared arena.
type Empty struct {
	Rows, Cols int
}

// Dims implements Matrix.
func (m Empty) Dims() (int, int) { return m.Rows, m.Cols }

// At implements Matrix.
func (m Empty) At(i, j int) float64 { return 0 }

// Densify returns m as a *Dense. A *Dense argument is returned as is.
func Densify(m Matrix) *Dense {
	switch v := m.(type) {
	case *Dense:
		return v
	case *CSR:
		return v.Dense()
	}
	rows, cols := m.Dims()
	d := NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := d.Row(i)
		for j := range row {
			row[j] = m.At(i, j)
		}
	}
	return d
}

// Expm1 returns a new matrix with exp(x)-1 applied elementwise. It undoes a
// log1p transform. Sparsity is preserved since expm1(0) == 0.
func Expm1(m Matrix) Matrix {
	switch v := m.(type) {
	case *CSR:
		data := make([]float64, len(v.data))
		for k, x := range v.data {
			data[k] = math.Expm1(x)
		}
		return &CSR{rows: v.rows, cols: v.cols, indptr: v.indptr, indices: v.indices, data: data}
	}
	src := Densify(m)
	d := NewDense(src.rows, src.cols, nil)
	for k, x := range src.data {
		d.data[k] = math.Expm1(x)
	}
	return d
}

// Gather returns the submatrix of m consisting of the given rows and columns,
// in the given order. A nil rows or cols selects everything along that axis.
func Gather(m Matrix, rows, cols []int) Matrix {
	nRow, nCol := m.Dims()
	if rows == nil {
		rows = seq(nRow)
	}
	if cols == nil {
		cols = seq(nCol)
	}
	if v, ok := m.(*CSR); ok {
		return v.gather(rows, cols)
	}
	d := NewDense(len(rows), len(cols), nil)
	src, isDense := m.(*Dense)
	for i, r := range rows {
		row := d.Row(i)
		if isDense {
			srcRow := src.Row(r)
			for j, c := range cols {
				row[j] = srcRow[c]
			}
			continue
		}
		for j, c := range cols {
			row[j] = m.At(r, c)
		}
	}
	return d
}

func (m *CSR) gather(rows, cols []int) *CSR {
	colMap := make(map[int]int, len(cols))
	for j, c := range cols {
		colMap[c] = j
	}
	out := &CSR{rows: len(rows), cols: len(cols), indptr: make([]int, 1, len(rows)+1)}
	type ent struct {
		col int
		val float64
	}
	var buf []ent
	for _, r := range rows {
		buf = buf[:0]
		for k := m.indptr[r]; k < m.indptr[r+1]; k++ {
			if j, ok := colMap[m.indices[k]]; ok {
				buf = append(buf, ent{j, m.data[k]})
			}
		}
		sort.Slice(buf, func(a, b int) bool { return buf[a].col < buf[b].col })
		for _, e := range buf {
			out.indices = append(out.indices, e.col)
			out.data = append(out.data, e.val)
		}
		out.indptr = append(out.indptr, len(out.data))
	}
	return out
}

// NonzeroCells counts, for each column of m, the number of the given rows
// holding a nonzero value. A nil rows counts over all rows.
func NonzeroCells(m Matrix, rows []int) []int {
	nRow, nCol := m.Dims()
	if rows == nil {
		rows = seq(nRow)
	}
	counts := make([]int, nCol)
	switch v := m.(type) {
	case *CSR:
		for _, r := range rows {
			for k := v.indptr[r]; k < v.indptr[r+1]; k++ {
				if v.data[k] != 0 {
					counts[v.indices[k]]++
				}
			}
		}
	case *Dense:
		for _, r := range rows {
			for j, x := range v.Row(r) {
				if x != 0 {
					counts[j]++
				}
			}
		}
	default:
		for _, r := range rows {
			for j := 0; j < nCol; j++ {
				if m.At(r, j) != 0 {
					counts[j]++
				}
			}
		}
	}
	return counts
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
