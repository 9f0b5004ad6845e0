package diffexp_test

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/diffexp"
	"github.com/grailbio/diffexp/wald"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairWiseOpts() diffexp.PairWiseOpts {
	opts := diffexp.DefaultPairWiseOpts
	opts.Label = "cluster"
	return opts
}

func TestPairWiseMirror(t *testing.T) {
	c := synthetic(t, []string{"A", "B"}, 30, 8)
	res, err := diffexp.PairWise(context.Background(), wald.Reference{}, c, pairWiseOpts())
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "test_A_bg_B", res.Key(0))
	assert.Equal(t, "test_B_bg_A", res.Key(1))

	ab, ok := res.Get("A", "B")
	require.True(t, ok)
	ba, ok := res.Get("B", "A")
	require.True(t, ok)
	require.Equal(t, ab.Len(), ba.Len())
	for k := range ab.Rows {
		assert.Equal(t, -ab.Rows[k].Log2FC, ba.Rows[k].Log2FC)
		assert.Equal(t, ab.Rows[k].QVal, ba.Rows[k].QVal)
		assert.Equal(t, ab.Rows[k].Mean, ba.Rows[k].Mean)
		assert.Equal(t, ab.Rows[k].CoefMLE, ba.Rows[k].CoefMLE)
		assert.Equal(t, ab.Rows[k].Gene, ba.Rows[k].Gene)
	}
	// The mirror is a separate table.
	assert.True(t, ab != ba)
	assert.True(t, ab.Rows[0].Log2FC > 3)

	stored, ok := c.Uns["diffxpyPairWise_cluster"]
	require.True(t, ok)
	assert.Equal(t, diffexp.KindPairWise, stored.(diffexp.Results).Kind())
}

func TestPairWiseOrder(t *testing.T) {
	c := synthetic(t, []string{"A", "B", "C", "D"}, 8, 4)
	opts := pairWiseOpts()
	opts.Copy = true
	opts.MinCellCounts = 0
	e := &fakeEngine{}
	res, err := diffexp.PairWise(context.Background(), e, c, opts)
	require.NoError(t, err)
	var keys []string
	for i := 0; i < res.Len(); i++ {
		keys = append(keys, res.Key(i))
	}
	assert.Equal(t, []string{
		"test_A_bg_B", "test_A_bg_C", "test_A_bg_D", "test_B_bg_C", "test_B_bg_D", "test_C_bg_D",
		"test_B_bg_A", "test_C_bg_A", "test_C_bg_B", "test_D_bg_A", "test_D_bg_B", "test_D_bg_C",
	}, keys)
	assert.Equal(t, []string{"A", "B", "C", "D"}, res.Groups)
	// Only the upper triangle is tested, each on the cells of two groups.
	assert.Len(t, e.calls, 6)
	for _, n := range e.cells {
		assert.Equal(t, 16, n)
	}
	_, ok := c.Uns["diffxpyPairWise_cluster"]
	assert.False(t, ok)
}

func TestPairWiseGroups(t *testing.T) {
	c := synthetic(t, []string{"A", "B", "C"}, 8, 4)
	opts := pairWiseOpts()
	opts.Groups = []string{"C", "A"}
	opts.KeyAdded = "pw"
	res, err := diffexp.PairWise(context.Background(), &fakeEngine{}, c, opts)
	require.NoError(t, err)
	assert.Equal(t, "test_C_bg_A", res.Key(0))
	assert.Equal(t, "test_A_bg_C", res.Key(1))
	_, ok := c.Uns["pw"]
	assert.True(t, ok)

	opts.Groups = []string{}
	res, err = diffexp.PairWise(context.Background(), &fakeEngine{}, c, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())

	opts.Groups = []string{"A", "X"}
	_, err = diffexp.PairWise(context.Background(), &fakeEngine{}, c, opts)
	assert.True(t, errors.Is(errors.Invalid, err))

	opts.Groups = nil
	_, err = diffexp.PairWise(context.Background(), &fakeEngine{failOn: "B"}, c, opts)
	assert.Error(t, err)
}
