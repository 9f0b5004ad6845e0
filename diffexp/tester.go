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
	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
)

// TestOpts configures TestTwoSample.
type TestOpts struct {
	// Key names the binary column produced by Split.
	Key string
	// Batch optionally names the batch column given to Split.
	Batch string
	// QuickScale is passed to the engine.
	QuickScale bool
	// SizeFactor optionally names a numeric size-factor column.
	SizeFactor string
	// ConstrainModel adds the combined batch column as an additive term.
	// Otherwise the batch enters as an interaction with Key.
	ConstrainModel bool
}

// Formula returns the model formula for opts.
func (o TestOpts) Formula() string {
	switch {
	case o.Batch == "":
		return fmt.Sprintf("~ 1 + %s", o.Key)
	case o.ConstrainModel:
		return fmt.Sprintf("~ 1 + %s + %s", o.Key, BatchColumn(o.Batch, o.Key))
	default:
		return fmt.Sprintf("~ 1 + %s + %s:%s", o.Key, o.Batch, o.Key)
	}
}

// TestTwoSample runs the Wald test of opts.Key on data. The binary column
// must hold exactly two distinct values; anything else is a Precondition
// error.
func TestTwoSample(ctx context.Context, engine wald.Engine, data *expr.Collection, opts TestOpts) (*wald.Summary, error) {
	vals, err := data.Obs.Unique(opts.Key)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	if len(vals) != 2 {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("column %s has %d distinct values %v, expect 2", opts.Key, len(vals), vals))
	}
	return engine.Wald(ctx, data, wald.Opts{
		Formula:      opts.Formula(),
		FactorToTest: opts.Key,
		QuickScale:   opts.QuickScale,
		SizeFactors:  opts.SizeFactor,
	})
}
