package expr

import (
	"strconv"

	"github.com/pkg/errors"
)

// Table is a per-cell annotation table. Every column is stored as strings,
// one value per cell, in the same order as the cell index.
type Table struct {
	index []string
	names []string
	cols  map[string][]string
}

// NewTable creates a table with the given cell names and no columns.
func NewTable(index []string) *Table {
	return &Table{index: index, cols: map[string][]string{}}
}

// Len returns the number of cells.
func (t *Table) Len() int { return len(t.index) }

// Index returns the cell names.
func (t *Table) Index() []string { return t.index }

// Columns lists the column names in insertion order.
func (t *Table) Columns() []string { return t.names }

// Col returns the values of the named column.
func (t *Table) Col(name string) ([]string, bool) {
	v, ok := t.cols[name]
	return v, ok
}

// Set adds or replaces a column. len(values) must equal t.Len().
func (t *Table) Set(name string, values []string) error {
	if len(values) != len(t.index) {
		return errors.Errorf("column %s: %d values for %d cells", name, len(values), len(t.index))
	}
	if _, ok := t.cols[name]; !ok {
		t.names = append(t.names, name)
	}
	t.cols[name] = values
	return nil
}

// Float parses the named column as float64.
func (t *Table) Float(name string) ([]float64, error) {
	col, ok := t.cols[name]
	if !ok {
		return nil, errors.Errorf("column %s not found", name)
	}
	vals := make([]float64, len(col))
	for i, s := range col {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s, cell %s", name, t.index[i])
		}
		vals[i] = v
	}
	return vals, nil
}

// Unique returns the distinct values of the named column in order of first
// appearance.
func (t *Table) Unique(name string) ([]string, error) {
	col, ok := t.cols[name]
	if !ok {
		return nil, errors.Errorf("column %s not found", name)
	}
	seen := map[string]struct{}{}
	var vals []string
	for _, v := range col {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			vals = append(vals, v)
		}
	}
	return vals, nil
}

// Copy returns a copy of t. Column slices are copied, so the result can be
// mutated without affecting t.
func (t *Table) Copy() *Table {
	c := &Table{
		index: t.index,
		names: append([]string(nil), t.names...),
		cols:  make(map[string][]string, len(t.cols)),
	}
	for k, v := range t.cols {
		c.cols[k] = append([]string(nil), v...)
	}
	return c
}

// Select returns a table holding only the named columns.
func (t *Table) Select(names []string) (*Table, error) {
	c := NewTable(t.index)
	for _, name := range names {
		col, ok := t.cols[name]
		if !ok {
			return nil, errors.Errorf("column %s not found", name)
		}
		if _, dup := c.cols[name]; dup {
			continue
		}
		c.names = append(c.names, name)
		c.cols[name] = append([]string(nil), col...)
	}
	return c, nil
}

// Subset returns a table restricted to the given rows, in order.
func (t *Table) Subset(rows []int) *Table {
	index := make([]string, len(rows))
	for i, r := range rows {
		index[i] = t.index[r]
	}
	c := NewTable(index)
	c.names = append([]string(nil), t.names...)
	for k, v := range t.cols {
		col := make([]string, len(rows))
		for i, r := range rows {
			col[i] = v[r]
		}
		c.cols[k] = col
	}
	return c
}
