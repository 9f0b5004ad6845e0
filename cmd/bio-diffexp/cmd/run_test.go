package cmd

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/diffexp/diffexp"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// writeInputs writes 20 cells in each of groups A, B, C and genes g0..g5.
// g0 is high in A.
func writeInputs(t *testing.T, dir string) inputFlags {
	var obs, counts strings.Builder
	obs.WriteString("cell\tcluster\tbatch\n")
	counts.WriteString("cell\tgene\tcount\n")
	for i := 0; i < 60; i++ {
		group := string(rune('A' + i/20))
		fmt.Fprintf(&obs, "c%d\t%s\tb%d\n", i, group, i%2)
		for j := 0; j < 6; j++ {
			v := (i*7+j*3)%4 + 1
			if j == 0 && group == "A" {
				v = 25 + i%3
			}
			fmt.Fprintf(&counts, "c%d\tg%d\t%d\n", i, j, v)
		}
	}
	f := inputFlags{
		counts: filepath.Join(dir, "counts.tsv"),
		obs:    filepath.Join(dir, "obs.tsv"),
	}
	assert.NoError(t, ioutil.WriteFile(f.counts, []byte(counts.String()), 0644))
	assert.NoError(t, ioutil.WriteFile(f.obs, []byte(obs.String()), 0644))
	return f
}

func runChecksum(t *testing.T, path string) string {
	var buf bytes.Buffer
	assert.NoError(t, checksum(vcontext.Background(), path, &buf))
	return strings.TrimSpace(buf.String())
}

func TestVsRestCommand(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	input := writeInputs(t, tmpdir)

	f := vsRestFlags{input: input, opts: diffexp.DefaultVsRestOpts}
	f.opts.Label = "cluster"
	f.output.out = filepath.Join(tmpdir, "seq")
	assert.NoError(t, vsRest(ctx, f))
	for _, g := range []string{"A", "B", "C"} {
		_, err := ioutil.ReadFile(filepath.Join(tmpdir, "seq."+g+".tsv"))
		expect.NoError(t, err)
	}

	f.opts.Parallelism = 3
	f.output.out = filepath.Join(tmpdir, "par")
	f.output.compress = true
	assert.NoError(t, vsRest(ctx, f))
	_, err := ioutil.ReadFile(filepath.Join(tmpdir, "par.A.tsv.gz"))
	expect.NoError(t, err)
	expect.EQ(t, runChecksum(t, filepath.Join(tmpdir, "par.rio")), runChecksum(t, filepath.Join(tmpdir, "seq.rio")))

	// The cache reproduces the same results.
	cachePath := filepath.Join(tmpdir, "data.dxc")
	assert.NoError(t, cache(ctx, input, cachePath))
	f.input = inputFlags{cache: cachePath}
	f.output.out = filepath.Join(tmpdir, "cached")
	assert.NoError(t, vsRest(ctx, f))
	expect.EQ(t, runChecksum(t, filepath.Join(tmpdir, "cached.rio")), runChecksum(t, filepath.Join(tmpdir, "seq.rio")))

	out := filepath.Join(tmpdir, "markers.tsv")
	assert.NoError(t, markers(ctx, filepath.Join(tmpdir, "seq.rio"), out, diffexp.DefaultMarkerOpts, nil))
	data, err := ioutil.ReadFile(out)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.True(t, len(lines) >= 2)
	expect.True(t, strings.HasPrefix(lines[1], "A\tg0\t"))
}

func TestPairWiseCommand(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	input := writeInputs(t, tmpdir)

	f := pairWiseFlags{input: input, opts: diffexp.DefaultPairWiseOpts, groups: "A,B"}
	f.opts.Label = "cluster"
	f.output.out = filepath.Join(tmpdir, "pw")
	assert.NoError(t, pairWise(ctx, f))
	for _, key := range []string{"test_A_bg_B", "test_B_bg_A"} {
		_, err := ioutil.ReadFile(filepath.Join(tmpdir, "pw."+key+".tsv"))
		expect.NoError(t, err)
	}
	var buf bytes.Buffer
	opts := diffexp.DefaultMarkerOpts
	assert.NoError(t, markers(ctx, filepath.Join(tmpdir, "pw.rio"), "", opts, &buf))
	expect.True(t, strings.HasPrefix(buf.String(), "testedCluster\tgene\tcounts\t"))
	expect.True(t, strings.Contains(buf.String(), "\nA\tg0\t1\tB\t"))
}

func TestCommandErrors(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	input := writeInputs(t, tmpdir)

	f := vsRestFlags{input: input, opts: diffexp.DefaultVsRestOpts}
	expect.True(t, strings.Contains(errString(vsRest(ctx, f)), "-label"))
	f.opts.Label = "cluster"
	f.input.cache = "x.dxc"
	expect.True(t, strings.Contains(errString(vsRest(ctx, f)), "-cache excludes"))
	f.input = inputFlags{counts: input.counts}
	expect.True(t, strings.Contains(errString(vsRest(ctx, f)), "either -cache"))

	expect.True(t, strings.Contains(errString(pairWise(ctx, pairWiseFlags{})), "-label"))
	expect.NotNil(t, checksum(ctx, filepath.Join(tmpdir, "missing.rio"), nil))
	expect.NotNil(t, cache(ctx, inputFlags{cache: "x"}, "y"))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
