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
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/diffexp/arena"
	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
)

// VsRestOpts configures VsRest.
type VsRestOpts struct {
	// Layer selects the matrix to test. It must hold counts, or log1p
	// counts if InputIsLog is set.
	Layer string
	// Label is the group-label column.
	Label string
	// Groups lists the groups to test, in output order. Cells of other
	// groups are ignored. nil means every group in order of first
	// appearance; a non-nil empty list tests nothing.
	Groups []string
	// Batch optionally names a batch column.
	Batch string
	// SizeFactor optionally names a numeric size-factor column.
	SizeFactor string
	// MinCellCounts is the minimum number of nonzero cells for a gene to be
	// tested in a split.
	MinCellCounts int
	// InputIsLog reverses a log1p transform before testing.
	InputIsLog bool
	// KeyAdded is the metadata key the results are stored under. Empty means
	// "diffxpyVsRest_{Label}".
	KeyAdded string
	QuickScale     bool
	ConstrainModel bool
	// Parallelism is the maximum number of concurrent tests. Values above 1
	// share one read-only copy of the matrix among the tests.
	Parallelism int
	// Copy leaves the collection's metadata store untouched.
	Copy bool
}

// DefaultVsRestOpts holds the defaults for VsRestOpts. Label must be set by
// the caller.
var DefaultVsRestOpts = VsRestOpts{
	Layer:         expr.MainLayer,
	MinCellCounts: 5,
	QuickScale:    true,
	Parallelism:   1,
}

// Key returns the metadata key results are stored under.
func (o VsRestOpts) Key() string {
	if o.KeyAdded != "" {
		return o.KeyAdded
	}
	return "diffxpyVsRest_" + o.Label
}

func (o VsRestOpts) testOpts() TestOpts {
	return TestOpts{
		Key:            splitKey,
		Batch:          o.Batch,
		QuickScale:     o.QuickScale,
		SizeFactor:     o.SizeFactor,
		ConstrainModel: o.ConstrainModel,
	}
}

func (o VsRestOpts) splitOpts(target string) SplitOpts {
	return SplitOpts{
		Label:         o.Label,
		Target:        target,
		Batch:         o.Batch,
		MinCellCounts: o.MinCellCounts,
		KeyAdded:      splitKey,
		Subset:        true,
	}
}

// VsRest tests every group against all other tested groups. The results are
// returned, and unless opts.Copy is set, also stored in c.Uns under the
// results key. Entries follow the order of the group list regardless of
// parallelism. The first failing test aborts the dispatch.
func VsRest(ctx context.Context, engine wald.Engine, c *expr.Collection, opts VsRestOpts) (*VsRestResults, error) {
	res := &VsRestResults{}
	if opts.Groups != nil && len(opts.Groups) == 0 {
		log.Printf("vsrest: no groups to test")
		if !opts.Copy {
			store(c, opts.Key(), res)
		}
		return res, nil
	}
	w, err := newWorkset(c, worksetOpts{
		layer:      opts.Layer,
		label:      opts.Label,
		batch:      opts.Batch,
		sizeFactor: opts.SizeFactor,
		groups:     opts.Groups,
		inputIsLog: opts.InputIsLog,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("vsrest: testing %d groups of %s", len(w.groups), opts.Label)
	tables := make([]*wald.Summary, len(w.groups))
	if opts.Parallelism > 1 {
		err = w.vsRestParallel(ctx, engine, opts, tables)
	} else {
		err = w.vsRestSequential(ctx, engine, opts, tables)
	}
	if err != nil {
		return nil, err
	}
	res.Entries = make([]VsRestEntry, len(w.groups))
	for i, g := range w.groups {
		res.Entries[i] = VsRestEntry{Group: g, Table: tables[i]}
	}
	if !opts.Copy {
		store(c, opts.Key(), res)
	}
	return res, nil
}

func (w *workset) vsRestSequential(ctx context.Context, engine wald.Engine, opts VsRestOpts, tables []*wald.Summary) error {
	gather := gatherFrom(w.data.X)
	for i, g := range w.groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := w.splitData(w.data.X, gather, opts.splitOpts(g))
		if err != nil {
			return err
		}
		if tables[i], err = TestTwoSample(ctx, engine, data, opts.testOpts()); err != nil {
			return errors.E(err, fmt.Sprintf("vsrest: group %s", g))
		}
		log.Printf("%s done", g)
	}
	return nil
}

// vsRestParallel copies the matrix once into an arena, then runs one task per
// group. Each task reads its cells and genes through a view of the arena.
func (w *workset) vsRestParallel(ctx context.Context, engine wald.Engine, opts VsRestOpts, tables []*wald.Summary) (err error) {
	a, err := arena.New(expr.Densify(w.data.X))
	if err != nil {
		return err
	}
	defer func() {
		if e := a.Release(); e != nil {
			log.Error.Printf("vsrest: release arena: %v", e)
			if err == nil {
				err = e
			}
		}
	}()
	rows, cols := a.Dims()
	w.data.X = expr.Empty{Rows: rows, Cols: cols}

	return traverse.Limit(opts.Parallelism).Each(len(w.groups), func(i int) (err error) {
		if err = ctx.Err(); err != nil {
			return err
		}
		g := w.groups[i]
		full, err := a.View(nil, nil)
		if err != nil {
			return err
		}
		var sub *arena.View
		defer func() {
			e := errors.Once{}
			e.Set(err)
			if sub != nil {
				e.Set(sub.Close())
			}
			e.Set(full.Close())
			err = e.Err()
		}()
		data, err := w.splitData(full, func(rows, cols []int) (expr.Matrix, error) {
			v, err := full.Sub(rows, cols)
			if err != nil {
				return nil, err
			}
			sub = v
			return v, nil
		}, opts.splitOpts(g))
		if err != nil {
			return err
		}
		log.Debug.Printf("vsrest: group %s: %s", g, shape(data))
		if tables[i], err = TestTwoSample(ctx, engine, data, opts.testOpts()); err != nil {
			return errors.E(err, fmt.Sprintf("vsrest: group %s", g))
		}
		log.Printf("%s done", g)
		return nil
	})
}

func shape(c *expr.Collection) string {
	cells, genes := c.Shape()
	return fmt.Sprintf("%d cells x %d genes", cells, genes)
}
