package diffexp_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/grailbio/diffexp/expr"
	"github.com/grailbio/diffexp/wald"
	"github.com/stretchr/testify/require"
)

// synthetic builds nPerGroup cells for each group and nGenes genes g0, g1,
// .... Counts are uniform in [0, 4) except gene g0, which is near 20 in the
// first group. The annotation table holds "cluster", "batch" (b1/b2
// alternating) and "sf" (all 1). X is sparse.
func synthetic(t *testing.T, groups []string, nPerGroup, nGenes int) *expr.Collection {
	r := rand.New(rand.NewSource(1))
	n := len(groups) * nPerGroup
	var (
		cells, cluster, batch, sf []string
		indptr                    = []int{0}
		indices                   []int
		data                      []float64
	)
	for i := 0; i < n; i++ {
		g := groups[i/nPerGroup]
		cells = append(cells, fmt.Sprintf("cell%d", i))
		cluster = append(cluster, g)
		batch = append(batch, fmt.Sprintf("b%d", i%2+1))
		sf = append(sf, "1")
		for j := 0; j < nGenes; j++ {
			v := float64(r.Intn(4))
			if j == 0 && g == groups[0] {
				v = float64(20 + r.Intn(5))
			}
			if v != 0 {
				indices = append(indices, j)
				data = append(data, v)
			}
		}
		indptr = append(indptr, len(data))
	}
	x, err := expr.NewCSR(n, nGenes, indptr, indices, data)
	require.NoError(t, err)
	obs := expr.NewTable(cells)
	require.NoError(t, obs.Set("cluster", cluster))
	require.NoError(t, obs.Set("batch", batch))
	require.NoError(t, obs.Set("sf", sf))
	genes := make([]string, nGenes)
	for j := range genes {
		genes[j] = fmt.Sprintf("g%d", j)
	}
	c, err := expr.New(x, obs, genes)
	require.NoError(t, err)
	return c
}

// fakeEngine reports, for every gene, the difference of class means as the
// fold change. It fails any test whose class "1" holds cells of failOn.
type fakeEngine struct {
	failOn string

	mu    sync.Mutex
	calls []wald.Opts
	cells []int
}

func (e *fakeEngine) Wald(ctx context.Context, data *expr.Collection, opts wald.Opts) (*wald.Summary, error) {
	nCell, nGene := data.X.Dims()
	e.mu.Lock()
	e.calls = append(e.calls, opts)
	e.cells = append(e.cells, nCell)
	e.mu.Unlock()
	bin, _ := data.Obs.Col(opts.FactorToTest)
	labels, _ := data.Obs.Col("cluster")
	for i := range bin {
		if e.failOn != "" && bin[i] == "1" && labels[i] == e.failOn {
			return nil, fmt.Errorf("engine failure on %s", e.failOn)
		}
	}
	s := &wald.Summary{Rows: make([]wald.Row, nGene)}
	for j := 0; j < nGene; j++ {
		var sum [2]float64
		var n [2]int
		for i := 0; i < nCell; i++ {
			k := 0
			if bin[i] == "1" {
				k = 1
			}
			sum[k] += data.X.At(i, j)
			n[k]++
		}
		m0, m1 := sum[0]/float64(n[0]), sum[1]/float64(n[1])
		s.Rows[j] = wald.Row{
			Gene:    data.Var[j],
			PVal:    0.01,
			QVal:    0.01,
			Log2FC:  m1 - m0,
			Mean:    (sum[0] + sum[1]) / float64(nCell),
			CoefMLE: m1 - m0,
			CoefSD:  1,
		}
	}
	return s, nil
}

func row(gene string, qval, log2fc, mean, coef float64) wald.Row {
	return wald.Row{Gene: gene, QVal: qval, PVal: qval, Log2FC: log2fc, Mean: mean, CoefMLE: coef, CoefSD: 1}
}
