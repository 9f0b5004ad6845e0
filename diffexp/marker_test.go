package diffexp_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/diffexp"
	"github.com/grailbio/diffexp/wald"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDetectedCounts(t *testing.T) {
	assert.Equal(t, 2, diffexp.ResolveDetectedCounts(3, -1))
	assert.Equal(t, 3, diffexp.ResolveDetectedCounts(3, 0))
	assert.Equal(t, 1, diffexp.ResolveDetectedCounts(3, 1))
	assert.Equal(t, 5, diffexp.ResolveDetectedCounts(3, 5))
	assert.Equal(t, -1, diffexp.ResolveDetectedCounts(1, -2))
}

func TestMarkersVsRestCutoffs(t *testing.T) {
	res := &diffexp.VsRestResults{Entries: []diffexp.VsRestEntry{
		{Group: "A", Table: &wald.Summary{Rows: []wald.Row{
			row("a1", 0.01, 1, 1, 0.5),
			row("a2", 0.05, 1, 1, 2),   // qval at cutoff
			row("a3", 0.01, 0.5, 1, 2), // log2fc below
			row("a4", 0.01, 2, 1, 3),
			row("a5", 0.01, 2, 0.5, 3), // mean at cutoff
			row("a6", 0.01, 1, 2, 1),
		}}},
		{Group: "B", Table: &wald.Summary{Rows: []wald.Row{
			row("b1", 0.2, 3, 3, 3),
			row("b2", 0.001, 3, 3, 3),
		}}},
	}}
	opts := diffexp.DefaultMarkerOpts
	m := diffexp.MarkersVsRest(res, opts)
	var got []string
	for _, r := range m.Rows {
		got = append(got, r.Cluster+":"+r.Gene)
		assert.True(t, r.QVal < opts.QValue)
		assert.True(t, r.Log2FC > opts.Log2FC)
		assert.True(t, r.Mean > opts.Mean)
	}
	assert.Equal(t, []string{"A:a4", "A:a6", "A:a1", "B:b2"}, got)
	assert.Equal(t, diffexp.KindVsRest, m.Kind())

	// Rows with equal coefficients keep their order.
	res.Entries[0].Table.Rows[5].CoefMLE = 0.5
	m = diffexp.MarkersVsRest(res, opts)
	assert.Equal(t, "a1", m.Rows[1].Gene)
	assert.Equal(t, "a6", m.Rows[2].Gene)

	opts.QValue = 0
	assert.Equal(t, 0, diffexp.MarkersVsRest(res, opts).Len())
}

// fourGroupPairs builds pairwise results over A, B, C, D where, for tested
// group A, gene "two" passes against B and C, "one" against D only, and
// "all" against every background.
func fourGroupPairs() *diffexp.PairWiseResults {
	groups := []string{"A", "B", "C", "D"}
	res := &diffexp.PairWiseResults{Groups: groups}
	pass := map[string]map[string]bool{
		"B": {"two": true, "all": true},
		"C": {"two": true, "all": true},
		"D": {"one": true, "all": true},
	}
	for _, test := range groups {
		for _, bg := range groups {
			if test == bg {
				continue
			}
			var rows []wald.Row
			for _, g := range []string{"all", "one", "two"} {
				r := row(g, 0.5, 0, 1, 0)
				if test == "A" && pass[bg][g] {
					r = row(g, 0.01, 2, 1, 1)
				}
				rows = append(rows, r)
			}
			res.Entries = append(res.Entries, diffexp.PairWiseEntry{Test: test, Background: bg, Table: &wald.Summary{Rows: rows}})
		}
	}
	return res
}

func TestMarkersPairWiseDetectedCounts(t *testing.T) {
	res := fourGroupPairs()
	genes := func(m *diffexp.PairWiseMarkers) []string {
		var out []string
		for _, r := range m.Rows {
			out = append(out, r.Tested+":"+r.Gene)
		}
		return out
	}
	opts := diffexp.DefaultMarkerOpts
	m := diffexp.MarkersPairWise(res, opts)
	assert.Equal(t, []string{"A:all", "A:two"}, genes(m))
	for _, r := range m.Rows {
		assert.True(t, r.Counts >= 2)
		assert.Len(t, r.Backgrounds, r.Counts)
	}
	assert.Equal(t, []string{"B", "C", "D"}, m.Rows[0].Backgrounds)
	assert.Equal(t, []float64{2, 2, 2}, m.Rows[0].Log2FCs)

	opts.DetectedCounts = 0
	assert.Equal(t, []string{"A:all"}, genes(diffexp.MarkersPairWise(res, opts)))
	opts.DetectedCounts = 1
	assert.Equal(t, []string{"A:all", "A:one", "A:two"}, genes(diffexp.MarkersPairWise(res, opts)))
}

func TestGetMarker(t *testing.T) {
	c := synthetic(t, []string{"A", "B"}, 2, 2)
	_, err := diffexp.GetMarker(c, "missing", diffexp.DefaultMarkerOpts)
	assert.True(t, errors.Is(errors.NotExist, err))
	c.Uns["other"] = "not results"
	_, err = diffexp.GetMarker(c, "other", diffexp.DefaultMarkerOpts)
	assert.True(t, errors.Is(errors.Invalid, err))

	c.Uns["pw"] = fourGroupPairs()
	m, err := diffexp.GetMarker(c, "pw", diffexp.DefaultMarkerOpts)
	require.NoError(t, err)
	assert.Equal(t, diffexp.KindPairWise, m.Kind())
	assert.Equal(t, 2, m.Len())
}

func TestMarkersRoundTrip(t *testing.T) {
	c := synthetic(t, []string{"A", "B", "C"}, 100, 50)
	for _, p := range []int{1, 3} {
		opts := vsRestOpts()
		opts.Parallelism = p
		_, err := diffexp.VsRest(context.Background(), wald.Reference{}, c, opts)
		require.NoError(t, err)
		m, err := diffexp.GetMarker(c, "diffxpyVsRest_cluster", diffexp.DefaultMarkerOpts)
		require.NoError(t, err)
		vr := m.(*diffexp.VsRestMarkers)
		var first string
		for _, r := range vr.Rows {
			if r.Cluster == "A" {
				first = r.Gene
				break
			}
		}
		assert.Equal(t, "g0", first)
	}
}

func TestMarkerTSV(t *testing.T) {
	var buf bytes.Buffer
	vr := &diffexp.VsRestMarkers{Rows: []diffexp.VsRestMarker{{Cluster: "A", Row: row("g1", 0.01, 1.5, 2, 0.25)}}}
	require.NoError(t, vr.WriteTSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "clusterName\tgene\tpval\tqval\tlog2fc\tmean\tzero_mean\tcoef_mle\tcoef_sd\tll", lines[0])
	assert.Equal(t, "A\tg1\t0.01\t0.01\t1.5\t2\tFalse\t0.25\t1\t0", lines[1])

	buf.Reset()
	pw := diffexp.MarkersPairWise(fourGroupPairs(), diffexp.DefaultMarkerOpts)
	require.NoError(t, pw.WriteTSV(&buf))
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "testedCluster\tgene\tcounts\tbgCluster\tqval\tlog2fc\tmean\tcoef_mle", lines[0])
	assert.Equal(t, "A\tall\t3\tB,C,D\t0.01,0.01,0.01\t2,2,2\t1,1,1\t1,1,1", lines[1])
}
