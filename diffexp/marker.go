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
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
)

// MarkerOpts holds the cutoffs of GetMarker. A row passes if
// QVal < QValue, Log2FC > Log2FC and Mean > Mean.
type MarkerOpts struct {
	QValue float64
	Log2FC float64
	Mean   float64
	// DetectedCounts is the number of backgrounds a gene must pass against
	// in pairwise results. See ResolveDetectedCounts.
	DetectedCounts int
}

// DefaultMarkerOpts holds the default cutoffs.
var DefaultMarkerOpts = MarkerOpts{
	QValue:         0.05,
	Log2FC:         math.Log2(1.5),
	Mean:           0.5,
	DetectedCounts: -1,
}

func (o MarkerOpts) pass(r wald.Row) bool {
	return r.QVal < o.QValue && r.Log2FC > o.Log2FC && r.Mean > o.Mean
}

// ResolveDetectedCounts returns the minimum number of backgrounds a gene must
// pass against, for a tested group compared against nBackgrounds groups. A
// positive cutoff is used as is. Otherwise it counts down from
// nBackgrounds: 0 means every background, -1 all but one, and so on.
func ResolveDetectedCounts(nBackgrounds, cutoff int) int {
	if cutoff > 0 {
		return cutoff
	}
	return nBackgrounds + cutoff
}

// MarkerTable is a filtered marker-gene table.
type MarkerTable interface {
	Kind() Kind
	// Len returns the number of rows.
	Len() int
	// WriteTSV writes the table with a header line.
	WriteTSV(w io.Writer) error
}

// VsRestMarker is a gene passing the cutoffs in the test of Cluster against
// the rest.
type VsRestMarker struct {
	Cluster string
	wald.Row
}

// VsRestMarkers lists markers grouped by cluster in result order, and by
// decreasing CoefMLE within a cluster.
type VsRestMarkers struct {
	Rows []VsRestMarker
}

// Kind implements MarkerTable.
func (m *VsRestMarkers) Kind() Kind { return KindVsRest }

// Len implements MarkerTable.
func (m *VsRestMarkers) Len() int { return len(m.Rows) }

// PairWiseMarker aggregates the passing tests of one gene for one tested
// group. The list fields hold one value per background, in result order.
type PairWiseMarker struct {
	Tested      string
	Gene        string
	Counts      int
	Backgrounds []string
	QVals       []float64
	Log2FCs     []float64
	Means       []float64
	CoefMLEs    []float64
}

// PairWiseMarkers lists markers sorted by tested group, then gene.
type PairWiseMarkers struct {
	Rows []PairWiseMarker
}

// Kind implements MarkerTable.
func (m *PairWiseMarkers) Kind() Kind { return KindPairWise }

// Len implements MarkerTable.
func (m *PairWiseMarkers) Len() int { return len(m.Rows) }

// MarkersVsRest filters each group's table and concatenates the survivors.
func MarkersVsRest(r *VsRestResults, opts MarkerOpts) *VsRestMarkers {
	m := &VsRestMarkers{}
	for _, e := range r.Entries {
		start := len(m.Rows)
		for _, row := range e.Table.Rows {
			if opts.pass(row) {
				m.Rows = append(m.Rows, VsRestMarker{Cluster: e.Group, Row: row})
			}
		}
		group := m.Rows[start:]
		sort.SliceStable(group, func(i, j int) bool { return group[i].CoefMLE > group[j].CoefMLE })
	}
	return m
}

// markerKey orders pairwise markers by tested group, then gene.
type markerKey struct {
	tested, gene string
	m            *PairWiseMarker
}

// Compare implements llrb.Comparable.
func (k markerKey) Compare(c llrb.Comparable) int {
	k2 := c.(markerKey)
	if k.tested != k2.tested {
		return strings.Compare(k.tested, k2.tested)
	}
	return strings.Compare(k.gene, k2.gene)
}

// MarkersPairWise filters each pair's table, aggregates the survivors by
// tested group and gene, and keeps genes that pass against at least
// ResolveDetectedCounts(n, opts.DetectedCounts) backgrounds, where n is the
// number of distinct backgrounds the tested group was compared against.
func MarkersPairWise(r *PairWiseResults, opts MarkerOpts) *PairWiseMarkers {
	backgrounds := map[string]map[string]bool{}
	tree := llrb.Tree{}
	for _, e := range r.Entries {
		if backgrounds[e.Test] == nil {
			backgrounds[e.Test] = map[string]bool{}
		}
		backgrounds[e.Test][e.Background] = true
		for _, row := range e.Table.Rows {
			if !opts.pass(row) {
				continue
			}
			k := markerKey{tested: e.Test, gene: row.Gene}
			if c := tree.Get(k); c != nil {
				k = c.(markerKey)
			} else {
				k.m = &PairWiseMarker{Tested: e.Test, Gene: row.Gene}
				tree.Insert(k)
			}
			m := k.m
			m.Counts++
			m.Backgrounds = append(m.Backgrounds, e.Background)
			m.QVals = append(m.QVals, row.QVal)
			m.Log2FCs = append(m.Log2FCs, row.Log2FC)
			m.Means = append(m.Means, row.Mean)
			m.CoefMLEs = append(m.CoefMLEs, row.CoefMLE)
		}
	}
	thresholds := map[string]int{}
	for tested, bgs := range backgrounds {
		thresholds[tested] = ResolveDetectedCounts(len(bgs), opts.DetectedCounts)
		log.Debug.Printf("markers: %s must pass against %d of %d backgrounds", tested, thresholds[tested], len(bgs))
	}
	out := &PairWiseMarkers{}
	tree.Do(func(c llrb.Comparable) bool {
		m := c.(markerKey).m
		if m.Counts >= thresholds[m.Tested] {
			out.Rows = append(out.Rows, *m)
		}
		return false
	})
	return out
}

// Markers dispatches on the kind of r.
func Markers(r Results, opts MarkerOpts) (MarkerTable, error) {
	switch v := r.(type) {
	case *VsRestResults:
		return MarkersVsRest(v, opts), nil
	case *PairWiseResults:
		return MarkersPairWise(v, opts), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unsupported results type %T", r))
}

// GetMarker filters the results stored in c.Uns under key.
func GetMarker(c *expr.Collection, key string, opts MarkerOpts) (MarkerTable, error) {
	v, ok := c.Uns[key]
	if !ok {
		return nil, errors.E(errors.NotExist, "no results stored under "+key)
	}
	r, ok := v.(Results)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s holds %T, not differential-expression results", key, v))
	}
	return Markers(r, opts)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func joinFloats(vs []float64) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = formatFloat(v)
	}
	return strings.Join(s, ",")
}

// WriteTSV implements MarkerTable.
func (m *VsRestMarkers) WriteTSV(w io.Writer) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("clusterName")
	writeRowHeader(tw)
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, r := range m.Rows {
		tw.WriteString(r.Cluster)
		writeRow(tw, r.Row)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteTSV implements MarkerTable. List columns are comma-separated.
func (m *PairWiseMarkers) WriteTSV(w io.Writer) error {
	tw := tsv.NewWriter(w)
	for _, h := range []string{"testedCluster", "gene", "counts", "bgCluster", "qval", "log2fc", "mean", "coef_mle"} {
		tw.WriteString(h)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, r := range m.Rows {
		tw.WriteString(r.Tested)
		tw.WriteString(r.Gene)
		tw.WriteUint32(uint32(r.Counts))
		tw.WriteString(strings.Join(r.Backgrounds, ","))
		tw.WriteString(joinFloats(r.QVals))
		tw.WriteString(joinFloats(r.Log2FCs))
		tw.WriteString(joinFloats(r.Means))
		tw.WriteString(joinFloats(r.CoefMLEs))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
