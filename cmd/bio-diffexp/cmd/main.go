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
	"flag"
	"fmt"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/diffexp/diffexp"
	"v.io/x/lib/cmdline"
)

// inputFlags select the expression data.
type inputFlags struct {
	counts, obs, cache string
}

func (f *inputFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.counts, "counts", "", "Long-format count table with columns cell, gene, count. May be gzipped.")
	fs.StringVar(&f.obs, "obs", "", "Per-cell annotation table. The first column holds cell names. May be gzipped.")
	fs.StringVar(&f.cache, "cache", "", "Collection cache written by the cache command. Replaces -counts and -obs.")
}

// outputFlags select where results go.
type outputFlags struct {
	out      string
	compress bool
}

func (f *outputFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.out, "out", "bio-diffexp", "Output path prefix. Results go to <out>.rio, tables to <out>.<comparison>.tsv")
	fs.BoolVar(&f.compress, "gz", false, "Gzip the per-comparison tables")
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func newCmdVsRest() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "vsrest",
		Short: "Test every group against all other groups",
	}
	flags := vsRestFlags{opts: diffexp.DefaultVsRestOpts}
	flags.input.register(&cmd.Flags)
	flags.output.register(&cmd.Flags)
	cmd.Flags.StringVar(&flags.opts.Label, "label", "", "Annotation column defining the groups (required)")
	cmd.Flags.StringVar(&flags.groups, "groups", "", "Comma-separated groups to test, in output order. Default: all groups")
	cmd.Flags.StringVar(&flags.opts.Batch, "batch", "", "Annotation column holding batch labels")
	cmd.Flags.StringVar(&flags.opts.SizeFactor, "size-factor", "", "Numeric annotation column holding size factors")
	cmd.Flags.IntVar(&flags.opts.MinCellCounts, "min-cell-counts", diffexp.DefaultVsRestOpts.MinCellCounts, "Genes expressed in fewer cells of a comparison are not tested")
	cmd.Flags.BoolVar(&flags.opts.InputIsLog, "input-is-log", false, "Counts are log1p-transformed")
	cmd.Flags.StringVar(&flags.opts.KeyAdded, "key", "", "Result key. Default: diffxpyVsRest_<label>")
	cmd.Flags.BoolVar(&flags.opts.QuickScale, "quick-scale", diffexp.DefaultVsRestOpts.QuickScale, "Skip dispersion estimation")
	cmd.Flags.BoolVar(&flags.opts.ConstrainModel, "constrain-model", false, "Model batch as an additive term instead of an interaction")
	cmd.Flags.IntVar(&flags.opts.Parallelism, "parallelism", diffexp.DefaultVsRestOpts.Parallelism, "Maximum number of concurrent tests")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("vsrest takes no arguments, but got %v", argv)
		}
		return vsRest(vcontext.Background(), flags)
	})
	return cmd
}

func newCmdPairWise() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "pairwise",
		Short: "Test every group against every other group",
	}
	flags := pairWiseFlags{opts: diffexp.DefaultPairWiseOpts}
	flags.input.register(&cmd.Flags)
	flags.output.register(&cmd.Flags)
	cmd.Flags.StringVar(&flags.opts.Label, "label", "", "Annotation column defining the groups (required)")
	cmd.Flags.StringVar(&flags.groups, "groups", "", "Comma-separated groups to test, in output order. Default: all groups")
	cmd.Flags.StringVar(&flags.opts.Batch, "batch", "", "Annotation column holding batch labels")
	cmd.Flags.StringVar(&flags.opts.SizeFactor, "size-factor", "", "Numeric annotation column holding size factors")
	cmd.Flags.IntVar(&flags.opts.MinCellCounts, "min-cell-counts", diffexp.DefaultPairWiseOpts.MinCellCounts, "Genes expressed in fewer cells of a comparison are not tested")
	cmd.Flags.BoolVar(&flags.opts.InputIsLog, "input-is-log", false, "Counts are log1p-transformed")
	cmd.Flags.StringVar(&flags.opts.KeyAdded, "key", "", "Result key. Default: diffxpyPairWise_<label>")
	cmd.Flags.BoolVar(&flags.opts.QuickScale, "quick-scale", diffexp.DefaultPairWiseOpts.QuickScale, "Skip dispersion estimation")
	cmd.Flags.BoolVar(&flags.opts.ConstrainModel, "constrain-model", false, "Model batch as an additive term instead of an interaction")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("pairwise takes no arguments, but got %v", argv)
		}
		return pairWise(vcontext.Background(), flags)
	})
	return cmd
}

func newCmdMarkers() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "markers",
		Short:    "Extract marker genes from a results file",
		ArgsName: "path",
	}
	opts := diffexp.DefaultMarkerOpts
	out := cmd.Flags.String("out", "", "Output TSV path. Default: standard output")
	cmd.Flags.Float64Var(&opts.QValue, "qvalue", opts.QValue, "Keep genes with q-value below this")
	cmd.Flags.Float64Var(&opts.Log2FC, "log2fc", opts.Log2FC, "Keep genes with log2 fold change above this")
	cmd.Flags.Float64Var(&opts.Mean, "mean", opts.Mean, "Keep genes with mean expression above this")
	cmd.Flags.IntVar(&opts.DetectedCounts, "detected-counts", opts.DetectedCounts,
		"Pairwise only: number of backgrounds a gene must pass against. Values <= 0 count down from the number of backgrounds")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("markers takes one pathname argument, but got %v", argv)
		}
		return markers(vcontext.Background(), argv[0], *out, opts, env.Stdout)
	})
	return cmd
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "checksum",
		Short:    "Print a checksum of the tables in a results file",
		ArgsName: "path",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("checksum takes one pathname argument, but got %v", argv)
		}
		return checksum(vcontext.Background(), argv[0], env.Stdout)
	})
	return cmd
}

func newCmdCache() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "cache",
		Short:    "Convert count and annotation tables into a collection cache",
		ArgsName: "destpath",
	}
	var input inputFlags
	input.register(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("cache takes destpath, but got %v", argv)
		}
		return cache(vcontext.Background(), input, argv[0])
	})
	return cmd
}

// Run parses the command line and runs the selected subcommand.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-diffexp",
			Short:    "Differential expression tests for single-cell data",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdVsRest(),
				newCmdPairWise(),
				newCmdMarkers(),
				newCmdChecksum(),
				newCmdCache(),
			},
		})
}
