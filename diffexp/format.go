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

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/expr"
)

// KeepColumn is the boolean annotation marking the cells of a split that was
// not subset.
const KeepColumn = "keep"

// SplitOpts configures the two-class encoding of a collection.
type SplitOpts struct {
	// Label is the group-label column.
	Label string
	// Target is the group encoded as "1".
	Target string
	// References are the groups encoded as "0". Empty means every group
	// other than Target.
	References []string
	// Batch optionally names a batch column. If set, a column named
	// "{Batch}_{KeyAdded}" holds the batch value and the binary value joined
	// by "_".
	Batch string
	// MinCellCounts is the minimum number of kept cells with a nonzero value
	// for a gene to be retained.
	MinCellCounts int
	// KeyAdded names the binary column.
	KeyAdded string
	// Subset restricts cells to Target and References and drops genes below
	// MinCellCounts. Otherwise every cell and gene is kept and KeepColumn
	// marks the selected cells.
	Subset bool
}

// DefaultSplitOpts holds the defaults for SplitOpts. Label and Target must be
// set by the caller.
var DefaultSplitOpts = SplitOpts{
	MinCellCounts: 5,
	KeyAdded:      "temp",
	Subset:        true,
}

// BatchColumn returns the name of the combined batch column for a binary
// column named key.
func BatchColumn(batch, key string) string { return batch + "_" + key }

// groupIndex maps each distinct value of a label column to the rows holding
// it.
type groupIndex struct {
	label string
	names []string // first-appearance order.
	cells map[string]*roaring.Bitmap
}

func newGroupIndex(obs *expr.Table, label string) (*groupIndex, error) {
	col, ok := obs.Col(label)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group label %s is not an annotation column", label))
	}
	idx := &groupIndex{label: label, cells: map[string]*roaring.Bitmap{}}
	for i, v := range col {
		bm, ok := idx.cells[v]
		if !ok {
			bm = roaring.New()
			idx.cells[v] = bm
			idx.names = append(idx.names, v)
		}
		bm.Add(uint32(i))
	}
	return idx, nil
}

// lookup returns the rows of the named group. An unknown group is an
// Invalid error that suggests the closest known name.
func (g *groupIndex) lookup(name string) (*roaring.Bitmap, error) {
	if bm, ok := g.cells[name]; ok {
		return bm, nil
	}
	msg := fmt.Sprintf("group %q not found in column %s", name, g.label)
	best, bestDist := "", -1
	for _, n := range g.names {
		if d := matchr.Levenshtein(name, n); bestDist < 0 || d < bestDist {
			best, bestDist = n, d
		}
	}
	if bestDist >= 0 {
		msg += fmt.Sprintf(" (did you mean %q?)", best)
	}
	return nil, errors.E(errors.Invalid, msg)
}

// union returns the rows of all the named groups.
func (g *groupIndex) union(names []string) (*roaring.Bitmap, error) {
	out := roaring.New()
	for _, n := range names {
		bm, err := g.lookup(n)
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	return out, nil
}

// references returns refs, or every group other than target if refs is
// empty.
func (g *groupIndex) references(target string, refs []string) []string {
	if len(refs) > 0 {
		return refs
	}
	for _, n := range g.names {
		if n != target {
			refs = append(refs, n)
		}
	}
	return refs
}

// selection is the cells and genes of one split, in ascending order.
type selection struct {
	cells []int
	genes []int
}

// selectSplit picks the cells of target and references and the genes with at
// least minCellCounts nonzero values among them. Sequential and parallel
// dispatch both select through this function, so they test the same cells
// and genes.
func (g *groupIndex) selectSplit(m expr.Matrix, target string, refs []string, minCellCounts int) (*selection, error) {
	bm, err := g.union(append([]string{target}, g.references(target, refs)...))
	if err != nil {
		return nil, err
	}
	sel := &selection{cells: make([]int, 0, bm.GetCardinality())}
	for _, r := range bm.ToArray() {
		sel.cells = append(sel.cells, int(r))
	}
	for j, n := range expr.NonzeroCells(m, sel.cells) {
		if n >= minCellCounts {
			sel.genes = append(sel.genes, j)
		}
	}
	if sel.genes == nil {
		sel.genes = []int{}
	}
	return sel, nil
}

// annotate adds the binary column, and the batch column if requested, to
// obs.
func annotate(obs *expr.Table, opts SplitOpts) error {
	labels, ok := obs.Col(opts.Label)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("group label %s is not an annotation column", opts.Label))
	}
	binary := make([]string, len(labels))
	for i, l := range labels {
		binary[i] = "0"
		if l == opts.Target {
			binary[i] = "1"
		}
	}
	if err := obs.Set(opts.KeyAdded, binary); err != nil {
		return err
	}
	if opts.Batch == "" {
		return nil
	}
	batch, ok := obs.Col(opts.Batch)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("batch %s is not an annotation column", opts.Batch))
	}
	combined := make([]string, len(batch))
	for i, b := range batch {
		combined[i] = b + "_" + binary[i]
	}
	return obs.Set(BatchColumn(opts.Batch, opts.KeyAdded), combined)
}

// Split returns the two-class encoding of c described by opts. The input is
// not modified; the result shares c's matrices and metadata values.
func Split(c *expr.Collection, opts SplitOpts) (*expr.Collection, error) {
	idx, err := newGroupIndex(c.Obs, opts.Label)
	if err != nil {
		return nil, err
	}
	if _, err := idx.lookup(opts.Target); err != nil {
		return nil, err
	}
	var out *expr.Collection
	if opts.Subset {
		sel, err := idx.selectSplit(c.X, opts.Target, opts.References, opts.MinCellCounts)
		if err != nil {
			return nil, err
		}
		out = c.Subset(sel.cells, sel.genes)
	} else {
		out = c.Copy()
		if err := markKept(out.Obs, idx, opts); err != nil {
			return nil, err
		}
	}
	if err := annotate(out.Obs, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// SplitInPlace adds the columns of the two-class encoding to c's annotation
// table: the binary column, the batch column if requested, and KeepColumn.
// Cells and genes are never pruned in place; opts.Subset is ignored.
func SplitInPlace(c *expr.Collection, opts SplitOpts) error {
	idx, err := newGroupIndex(c.Obs, opts.Label)
	if err != nil {
		return err
	}
	if _, err := idx.lookup(opts.Target); err != nil {
		return err
	}
	if err := markKept(c.Obs, idx, opts); err != nil {
		return err
	}
	return annotate(c.Obs, opts)
}

func markKept(obs *expr.Table, idx *groupIndex, opts SplitOpts) error {
	bm, err := idx.union(append([]string{opts.Target}, idx.references(opts.Target, opts.References)...))
	if err != nil {
		return err
	}
	keep := make([]string, obs.Len())
	for i := range keep {
		keep[i] = "False"
		if bm.Contains(uint32(i)) {
			keep[i] = "True"
		}
	}
	return obs.Set(KeepColumn, keep)
}
