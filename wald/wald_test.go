package wald

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormula(t *testing.T) {
	for _, test := range []struct {
		in        string
		intercept bool
		terms     string
	}{
		{"~ 1 + temp", true, "~ 1 + temp"},
		{"~1+temp+batch_temp", true, "~ 1 + temp + batch_temp"},
		{"~ 1 + temp + batch:temp", true, "~ 1 + temp + batch:temp"},
		{"~ 0 + temp", false, "~ 0 + temp"},
		{"~ temp - 1", false, "~ 0 + temp"},
		{"~ temp + temp", true, "~ 1 + temp"},
		{"~ -1 + temp", false, "~ 0 + temp"},
		{"~ 1 + temp + sample-batch:temp", true, "~ 1 + temp + sample-batch:temp"},
		{"~ sample-1 + temp", true, "~ 1 + sample-1 + temp"},
	} {
		f, err := ParseFormula(test.in)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.intercept, f.Intercept, test.in)
		assert.Equal(t, test.terms, f.String(), test.in)
	}
	for _, bad := range []string{"temp", "~", "~ 1 + a*b", "~ 1 + :a", "~ 1 + -a"} {
		_, err := ParseFormula(bad)
		assert.True(t, errors.Is(errors.Invalid, err), bad)
	}
	f, err := ParseFormula("~ 1 + temp + batch:temp")
	require.NoError(t, err)
	assert.Equal(t, []string{"temp", "batch"}, f.Factors())
}

func TestAdjustBH(t *testing.T) {
	q := AdjustBH([]float64{0.01, 0.04, 0.03, 0.5})
	want := []float64{0.04, 0.16 / 3, 0.16 / 3, 0.5}
	require.Len(t, q, len(want))
	for i := range want {
		assert.InDelta(t, want[i], q[i], 1e-12)
	}
	assert.Empty(t, AdjustBH(nil))
	q = AdjustBH([]float64{math.NaN(), 0.01})
	assert.Equal(t, 1.0, q[0])
	assert.InDelta(t, 0.02, q[1], 1e-12)
}

// twoGroupCollection builds 2n cells; the first n have temp "0", the rest
// "1". Genes: "up" (1 vs 8), "flat" (3 everywhere), "zero".
func twoGroupCollection(t *testing.T, n int) *expr.Collection {
	cells := make([]string, 2*n)
	temp := make([]string, 2*n)
	batch := make([]string, 2*n)
	sf := make([]string, 2*n)
	x := expr.NewDense(2*n, 3, nil)
	for i := range cells {
		cells[i] = fmt.Sprintf("c%d", i)
		temp[i], sf[i] = "0", "1"
		x.Set(i, 0, 1)
		if i >= n {
			temp[i], sf[i] = "1", "8"
			x.Set(i, 0, 8)
		}
		batch[i] = "b1"
		if i%2 == 1 {
			batch[i] = "b2"
		}
		x.Set(i, 1, 3)
	}
	obs := expr.NewTable(cells)
	require.NoError(t, obs.Set("temp", temp))
	require.NoError(t, obs.Set("batch", batch))
	require.NoError(t, obs.Set("sf", sf))
	bt := make([]string, 2*n)
	for i := range bt {
		bt[i] = batch[i] + "_" + temp[i]
	}
	require.NoError(t, obs.Set("batch_temp", bt))
	c, err := expr.New(x, obs, []string{"up", "flat", "zero"})
	require.NoError(t, err)
	return c
}

func TestReferenceTwoGroups(t *testing.T) {
	c := twoGroupCollection(t, 20)
	s, err := Reference{}.Wald(context.Background(), c, Opts{Formula: "~ 1 + temp", FactorToTest: "temp"})
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	up := s.Rows[0]
	assert.Equal(t, "up", up.Gene)
	assert.InDelta(t, math.Log(8), up.CoefMLE, 1e-6)
	assert.InDelta(t, 3, up.Log2FC, 1e-6)
	assert.InDelta(t, math.Sqrt(1.0/20+1.0/160), up.CoefSD, 1e-6)
	assert.True(t, up.PVal < 1e-10)
	assert.True(t, up.QVal < 1e-9)
	assert.InDelta(t, 4.5, up.Mean, 1e-12)
	assert.False(t, up.ZeroMean)

	flat := s.Rows[1]
	assert.InDelta(t, 0, flat.Log2FC, 1e-6)
	assert.True(t, flat.PVal > 0.9)

	zero := s.Rows[2]
	assert.True(t, zero.ZeroMean)
	assert.Equal(t, 1.0, zero.PVal)
	assert.Equal(t, 0.0, zero.Log2FC)
	assert.True(t, math.IsInf(zero.CoefSD, 1))

	// Summaries are independent of each other.
	cp := s.Copy()
	cp.Rows[0].Log2FC = -1
	assert.InDelta(t, 3, s.Rows[0].Log2FC, 1e-6)
}

func TestReferenceSizeFactors(t *testing.T) {
	c := twoGroupCollection(t, 20)
	s, err := Reference{}.Wald(context.Background(), c, Opts{
		Formula: "~ 1 + temp", FactorToTest: "temp", SizeFactors: "sf"})
	require.NoError(t, err)
	// The fold change of "up" is fully explained by size factors, so equal
	// raw counts of "flat" read as a 1/8 change.
	assert.InDelta(t, 0, s.Rows[0].Log2FC, 1e-6)
	assert.InDelta(t, -3, s.Rows[1].Log2FC, 1e-6)
}

func TestReferenceBatchFormulas(t *testing.T) {
	c := twoGroupCollection(t, 20)
	for _, formula := range []string{"~ 1 + temp + batch_temp", "~ 1 + temp + batch:temp"} {
		s, err := Reference{}.Wald(context.Background(), c, Opts{Formula: formula, FactorToTest: "temp", QuickScale: true})
		require.NoError(t, err, formula)
		assert.InDelta(t, 3, s.Rows[0].Log2FC, 1e-6, formula)
		assert.True(t, s.Rows[0].PVal < 1e-5, formula)
	}
}

func TestReferenceErrors(t *testing.T) {
	c := twoGroupCollection(t, 4)
	ctx := context.Background()
	_, err := Reference{}.Wald(ctx, c, Opts{Formula: "~ 1 + batch", FactorToTest: "temp"})
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = Reference{}.Wald(ctx, c, Opts{Formula: "~ 1 + missing", FactorToTest: "missing"})
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = Reference{}.Wald(ctx, c, Opts{Formula: "~ 1 + batch_temp", FactorToTest: "batch_temp"})
	assert.True(t, errors.Is(errors.Precondition, err))
	_, err = Reference{}.Wald(ctx, c, Opts{Formula: "~ 1 + temp", FactorToTest: "temp", SizeFactors: "batch"})
	assert.True(t, errors.Is(errors.Invalid, err))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Reference{}.Wald(cancelled, c, Opts{Formula: "~ 1 + temp", FactorToTest: "temp"})
	assert.Equal(t, context.Canceled, err)
}
