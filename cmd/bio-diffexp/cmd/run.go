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
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/diffexp/diffexp"
	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
)

type vsRestFlags struct {
	input  inputFlags
	output outputFlags
	groups string
	opts   diffexp.VsRestOpts
}

type pairWiseFlags struct {
	input  inputFlags
	output outputFlags
	groups string
	opts   diffexp.PairWiseOpts
}

func load(ctx context.Context, f inputFlags) (*expr.Collection, error) {
	if f.cache != "" {
		if f.counts != "" || f.obs != "" {
			return nil, fmt.Errorf("-cache excludes -counts and -obs")
		}
		return expr.ReadCache(ctx, f.cache)
	}
	if f.counts == "" || f.obs == "" {
		return nil, fmt.Errorf("either -cache or both -counts and -obs must be set")
	}
	return expr.ReadTSV(ctx, f.counts, f.obs)
}

func writeOutputs(ctx context.Context, f outputFlags, key string, r diffexp.Results) error {
	path := f.out + ".rio"
	if err := diffexp.WriteResults(ctx, path, key, r); err != nil {
		return err
	}
	paths, err := diffexp.WriteResultTables(ctx, f.out, r, f.compress)
	if err != nil {
		return err
	}
	log.Printf("wrote %s and %d tables, checksum %016x", path, len(paths), diffexp.Checksum(r))
	return nil
}

func vsRest(ctx context.Context, f vsRestFlags) error {
	if f.opts.Label == "" {
		return fmt.Errorf("vsrest: -label must be set")
	}
	c, err := load(ctx, f.input)
	if err != nil {
		return err
	}
	opts := f.opts
	opts.Groups = splitGroups(f.groups)
	opts.Copy = true
	r, err := diffexp.VsRest(ctx, wald.Reference{}, c, opts)
	if err != nil {
		return err
	}
	return writeOutputs(ctx, f.output, opts.Key(), r)
}

func pairWise(ctx context.Context, f pairWiseFlags) error {
	if f.opts.Label == "" {
		return fmt.Errorf("pairwise: -label must be set")
	}
	c, err := load(ctx, f.input)
	if err != nil {
		return err
	}
	opts := f.opts
	opts.Groups = splitGroups(f.groups)
	opts.Copy = true
	r, err := diffexp.PairWise(ctx, wald.Reference{}, c, opts)
	if err != nil {
		return err
	}
	return writeOutputs(ctx, f.output, opts.Key(), r)
}

func markers(ctx context.Context, path, outPath string, opts diffexp.MarkerOpts, stdout io.Writer) (err error) {
	_, r, err := diffexp.ReadResults(ctx, path)
	if err != nil {
		return err
	}
	m, err := diffexp.Markers(r, opts)
	if err != nil {
		return err
	}
	log.Printf("%s: %d %s markers", path, m.Len(), m.Kind())
	if outPath == "" {
		return m.WriteTSV(stdout)
	}
	out, err := file.Create(ctx, outPath)
	if err != nil {
		return errors.E(err, "create", outPath)
	}
	defer file.CloseAndReport(ctx, out, &err)
	return m.WriteTSV(out.Writer(ctx))
}

func checksum(ctx context.Context, path string, stdout io.Writer) error {
	_, r, err := diffexp.ReadResults(ctx, path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%016x\n", diffexp.Checksum(r))
	return err
}

func cache(ctx context.Context, f inputFlags, dest string) error {
	if f.cache != "" {
		return fmt.Errorf("cache: -cache cannot be an input")
	}
	c, err := load(ctx, f)
	if err != nil {
		return err
	}
	cells, genes := c.Shape()
	log.Printf("cache: %d cells x %d genes to %s", cells, genes, dest)
	return expr.WriteCache(ctx, dest, c)
}
