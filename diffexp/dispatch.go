// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package diffexp

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
)

// splitKey names the binary column of every split made by the dispatchers.
const splitKey = "temp"

// workset is the reduced collection shared by all splits of one dispatch:
// the selected layer, the annotation columns the tests need, and only the
// cells of the requested groups.
type workset struct {
	data   *expr.Collection
	index  *groupIndex
	groups []string
}

type worksetOpts struct {
	layer, label, batch, sizeFactor string
	groups                          []string
	inputIsLog                      bool
}

func newWorkset(c *expr.Collection, opts worksetOpts) (*workset, error) {
	cols := []string{opts.label}
	if opts.batch != "" {
		cols = append(cols, opts.batch)
	}
	if opts.sizeFactor != "" {
		cols = append(cols, opts.sizeFactor)
	}
	data, err := c.PartialLayer(opts.layer, cols)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	if opts.inputIsLog {
		data.X = expr.Expm1(data.X)
	}
	all, err := newGroupIndex(data.Obs, opts.label)
	if err != nil {
		return nil, err
	}
	groups := opts.groups
	if groups == nil {
		groups = all.names
	}
	seen := map[string]bool{}
	for _, g := range groups {
		if seen[g] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("group %q listed twice", g))
		}
		seen[g] = true
	}
	bm, err := all.union(groups)
	if err != nil {
		return nil, err
	}
	rows := make([]int, 0, bm.GetCardinality())
	for _, r := range bm.ToArray() {
		rows = append(rows, int(r))
	}
	data = data.Subset(rows, nil)
	idx, err := newGroupIndex(data.Obs, opts.label)
	if err != nil {
		return nil, err
	}
	return &workset{data: data, index: idx, groups: groups}, nil
}

// splitData builds the collection tested for one split. m supplies the
// values used to select genes; gather extracts the selected submatrix.
func (w *workset) splitData(m expr.Matrix, gather func(rows, cols []int) (expr.Matrix, error), opts SplitOpts) (*expr.Collection, error) {
	sel, err := w.index.selectSplit(m, opts.Target, opts.References, opts.MinCellCounts)
	if err != nil {
		return nil, err
	}
	x, err := gather(sel.cells, sel.genes)
	if err != nil {
		return nil, err
	}
	genes := make([]string, len(sel.genes))
	for i, g := range sel.genes {
		genes[i] = w.data.Var[g]
	}
	data := &expr.Collection{
		X:      x,
		Layers: map[string]expr.Matrix{},
		Obs:    w.data.Obs.Subset(sel.cells),
		Var:    genes,
		Uns:    map[string]interface{}{},
	}
	if err := annotate(data.Obs, opts); err != nil {
		return nil, err
	}
	return data, nil
}

// gatherFrom returns a gather function over an in-memory matrix.
func gatherFrom(m expr.Matrix) func(rows, cols []int) (expr.Matrix, error) {
	return func(rows, cols []int) (expr.Matrix, error) {
		return expr.Gather(m, rows, cols), nil
	}
}

// store records r under key in c's metadata store.
func store(c *expr.Collection, key string, r Results) {
	if c.Uns == nil {
		c.Uns = map[string]interface{}{}
	}
	c.Uns[key] = r
}

// mirror returns a copy of s with the fold change negated.
func mirror(s *wald.Summary) *wald.Summary {
	m := s.Copy()
	for i := range m.Rows {
		m.Rows[i].Log2FC = -m.Rows[i].Log2FC
	}
	return m
}
