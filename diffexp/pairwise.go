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
	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
)

// PairWiseOpts configures PairWise. The fields mean the same as in
// VsRestOpts.
type PairWiseOpts struct {
	Layer         string
	Label         string
	Groups        []string
	Batch         string
	SizeFactor    string
	MinCellCounts int
	InputIsLog    bool
	// KeyAdded is the metadata key the results are stored under. Empty means
	// "diffxpyPairWise_{Label}".
	KeyAdded       string
	QuickScale     bool
	ConstrainModel bool
	Copy           bool
}

// DefaultPairWiseOpts holds the defaults for PairWiseOpts. Label must be set
// by the caller.
var DefaultPairWiseOpts = PairWiseOpts{
	Layer:         expr.MainLayer,
	MinCellCounts: 5,
	QuickScale:    true,
}

// Key returns the metadata key results are stored under.
func (o PairWiseOpts) Key() string {
	if o.KeyAdded != "" {
		return o.KeyAdded
	}
	return "diffxpyPairWise_" + o.Label
}

// PairWise tests every group against every other group, one at a time. Only
// pairs (i, j) with i < j in group order are tested; the table of (j, i) is
// the table of (i, j) with Log2FC negated. The results are returned, and
// unless opts.Copy is set, also stored in c.Uns under the results key.
func PairWise(ctx context.Context, engine wald.Engine, c *expr.Collection, opts PairWiseOpts) (*PairWiseResults, error) {
	res := &PairWiseResults{Groups: opts.Groups}
	if opts.Groups != nil && len(opts.Groups) == 0 {
		log.Printf("pairwise: no groups to test")
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
	res.Groups = w.groups
	n := len(w.groups)
	log.Printf("pairwise: testing %d pairs of %s", n*(n-1)/2, opts.Label)
	gather := gatherFrom(w.data.X)
	testOpts := TestOpts{
		Key:            splitKey,
		Batch:          opts.Batch,
		QuickScale:     opts.QuickScale,
		SizeFactor:     opts.SizeFactor,
		ConstrainModel: opts.ConstrainModel,
	}
	upper := make(map[[2]int]*wald.Summary, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			test, bg := w.groups[i], w.groups[j]
			data, err := w.splitData(w.data.X, gather, SplitOpts{
				Label:         opts.Label,
				Target:        test,
				References:    []string{bg},
				Batch:         opts.Batch,
				MinCellCounts: opts.MinCellCounts,
				KeyAdded:      splitKey,
				Subset:        true,
			})
			if err != nil {
				return nil, err
			}
			table, err := TestTwoSample(ctx, engine, data, testOpts)
			if err != nil {
				return nil, errors.E(err, fmt.Sprintf("pairwise: %s vs %s", test, bg))
			}
			upper[[2]int{i, j}] = table
			res.Entries = append(res.Entries, PairWiseEntry{Test: test, Background: bg, Table: table})
			log.Printf("%s vs %s done", test, bg)
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			res.Entries = append(res.Entries, PairWiseEntry{
				Test:       w.groups[i],
				Background: w.groups[j],
				Table:      mirror(upper[[2]int{j, i}]),
			})
		}
	}
	if !opts.Copy {
		store(c, opts.Key(), res)
	}
	return res, nil
}
