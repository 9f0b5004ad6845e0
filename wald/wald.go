// Package wald defines the contract of a per-gene Wald-test engine and ships
// a reference implementation.
//
// An Engine receives a collection whose annotation table holds the factors
// named by a model formula, fits one model per gene, and tests whether the
// coefficient of a chosen two-level factor differs from zero.
package wald

import (
	"context"
	"math"

	"github.com/grailbio/diffexp/expr"
)

// Opts configures one Wald test.
type Opts struct {
	// Formula is the location-model formula, e.g., "~ 1 + temp".
	Formula string
	// FactorToTest names the two-level factor whose coefficient is tested.
	// The level that sorts last is compared against the level that sorts
	// first, so for a "0"/"1" factor positive coefficients mean higher
	// expression in "1".
	FactorToTest string
	// QuickScale trades accuracy of the dispersion estimate for speed.
	QuickScale bool
	// SizeFactors names a numeric annotation column holding per-cell size
	// factors. Empty means all size factors are 1.
	SizeFactors string
}

// Engine runs per-gene Wald tests. Implementations must be safe for
// concurrent use.
type Engine interface {
	Wald(ctx context.Context, data *expr.Collection, opts Opts) (*Summary, error)
}

// Row is the test result for one gene.
type Row struct {
	Gene string
	// PVal is the two-sided Wald p-value.
	PVal float64
	// QVal is PVal adjusted for multiple testing across the genes of one
	// test.
	QVal float64
	// Log2FC is the tested coefficient converted to a log2 fold change.
	Log2FC float64
	// Mean is the mean expression of the gene across all tested cells.
	Mean float64
	// ZeroMean is true if the gene is never expressed in the tested cells.
	ZeroMean bool
	// CoefMLE and CoefSD are the fitted coefficient (natural log scale) and
	// its standard error.
	CoefMLE float64
	CoefSD  float64
	// LL is the log-likelihood of the fitted model.
	LL float64
}

// Summary is the per-gene result table of one test, one row per gene in
// column order of the tested matrix.
type Summary struct {
	Rows []Row
}

// Copy returns a deep copy of s.
func (s *Summary) Copy() *Summary {
	return &Summary{Rows: append([]Row(nil), s.Rows...)}
}

// Len returns the number of genes.
func (s *Summary) Len() int { return len(s.Rows) }

// AdjustBH returns Benjamini-Hochberg adjusted p-values, in input order.
func AdjustBH(pvals []float64) []float64 {
	n := len(pvals)
	q := make([]float64, n)
	if n == 0 {
		return q
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sortByP(idx, pvals)
	min := 1.0
	for k := n - 1; k >= 0; k-- {
		i := idx[k]
		adj := pvals[i] * float64(n) / float64(k+1)
		if math.IsNaN(adj) {
			adj = 1
		}
		if adj < min {
			min = adj
		}
		q[i] = min
	}
	return q
}
