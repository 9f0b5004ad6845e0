package wald

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/expr"
)

// Reference is a Poisson log-link GLM engine fitted by iteratively reweighted
// least squares. With QuickScale unset, standard errors are inflated by a
// quasi-Poisson dispersion estimate (Pearson chi-square / residual df,
// floored at 1). Size factors enter the model as a log offset.
//
// The zero value is ready to use.
type Reference struct {
	// MaxIter caps IRLS iterations per gene. Default 50.
	MaxIter int
	// Tol is the convergence tolerance on the relative deviance change.
	// Default 1e-8.
	Tol float64
}

var _ Engine = Reference{}

const (
	etaClamp   = 30
	muFloor    = 1e-10
	ridgeScale = 1e-9
)

// design is a dense model matrix built from categorical annotations.
type design struct {
	names []string
	x     []float64 // n x p, row-major.
	n, p  int
	test  int // column of the tested coefficient.
}

func (d *design) at(i, k int) float64 { return d.x[i*d.p+k] }

func levels(vals []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func buildDesign(obs *expr.Table, f Formula, factorToTest string) (*design, error) {
	n := obs.Len()
	type factor struct {
		vals   []string
		levels []string
	}
	factors := map[string]factor{}
	for _, name := range f.Factors() {
		vals, ok := obs.Col(name)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("formula factor %s is not an annotation column", name))
		}
		factors[name] = factor{vals: vals, levels: levels(vals)}
	}
	tf, ok := factors[factorToTest]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("factor to test %s does not appear in formula %s", factorToTest, f))
	}
	if len(tf.levels) != 2 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("factor to test %s has %d levels %v, expect 2", factorToTest, len(tf.levels), tf.levels))
	}

	var (
		names []string
		cols  [][]float64
	)
	if f.Intercept {
		ones := make([]float64, n)
		for i := range ones {
			ones[i] = 1
		}
		names = append(names, "Intercept")
		cols = append(cols, ones)
	}
	testName := factorToTest + "[T." + tf.levels[1] + "]"
	for _, term := range f.Terms {
		// Enumerate combinations of non-reference levels of each factor.
		combos := [][]string{nil}
		for _, fac := range term {
			var next [][]string
			for _, c := range combos {
				for _, lv := range factors[fac].levels[1:] {
					next = append(next, append(append([]string(nil), c...), lv))
				}
			}
			combos = next
		}
		for _, combo := range combos {
			col := make([]float64, n)
			parts := make([]string, len(term))
			for k, fac := range term {
				parts[k] = fac + "[T." + combo[k] + "]"
			}
			for i := range col {
				col[i] = 1
				for k, fac := range term {
					if factors[fac].vals[i] != combo[k] {
						col[i] = 0
						break
					}
				}
			}
			names = append(names, strings.Join(parts, ":"))
			cols = append(cols, col)
		}
	}

	keep := independentColumns(cols)
	d := &design{n: n, test: -1}
	for _, k := range keep {
		if names[k] == testName {
			d.test = len(d.names)
		}
		d.names = append(d.names, names[k])
	}
	if d.test < 0 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("coefficient %s is not estimable under %s", testName, f))
	}
	d.p = len(d.names)
	d.x = make([]float64, n*d.p)
	for i := 0; i < n; i++ {
		for k, c := range keep {
			d.x[i*d.p+k] = cols[c][i]
		}
	}
	return d, nil
}

// independentColumns returns the indexes of a maximal linearly independent
// prefix-greedy subset of cols, using modified Gram-Schmidt.
func independentColumns(cols [][]float64) []int {
	var (
		basis [][]float64
		keep  []int
	)
	for k, c := range cols {
		v := append([]float64(nil), c...)
		norm0 := math.Sqrt(dot(v, v))
		if norm0 == 0 {
			continue
		}
		for _, b := range basis {
			proj := dot(v, b)
			for i := range v {
				v[i] -= proj * b[i]
			}
		}
		norm := math.Sqrt(dot(v, v))
		if norm <= 1e-10*norm0 {
			continue
		}
		for i := range v {
			v[i] /= norm
		}
		basis = append(basis, v)
		keep = append(keep, k)
	}
	return keep
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Wald implements Engine.
func (e Reference) Wald(ctx context.Context, data *expr.Collection, opts Opts) (*Summary, error) {
	f, err := ParseFormula(opts.Formula)
	if err != nil {
		return nil, err
	}
	d, err := buildDesign(data.Obs, f, opts.FactorToTest)
	if err != nil {
		return nil, err
	}
	nCell, nGene := data.X.Dims()
	offset := make([]float64, nCell)
	if opts.SizeFactors != "" {
		sf, err := data.Obs.Float(opts.SizeFactors)
		if err != nil {
			return nil, errors.E(errors.Invalid, "size factors", err)
		}
		for i, s := range sf {
			if !(s > 0) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("size factor %v of cell %s is not positive", s, data.Obs.Index()[i]))
			}
			offset[i] = math.Log(s)
		}
	}
	fit := newIRLS(d, e.maxIter(), e.tol())
	s := &Summary{Rows: make([]Row, nGene)}
	y := make([]float64, nCell)
	pvals := make([]float64, nGene)
	for g := 0; g < nGene; g++ {
		if g%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var sum float64
		for i := range y {
			y[i] = data.X.At(i, g)
			sum += y[i]
		}
		row := Row{Gene: data.Var[g], PVal: 1}
		if nCell > 0 {
			row.Mean = sum / float64(nCell)
		}
		if sum == 0 {
			row.ZeroMean = true
			row.CoefSD = math.Inf(1)
		} else {
			coef, sd, ll := fit.run(y, offset, !opts.QuickScale)
			row.CoefMLE, row.CoefSD, row.LL = coef, sd, ll
			row.Log2FC = coef / math.Ln2
			if sd > 0 && !math.IsInf(sd, 0) && !math.IsNaN(sd) {
				row.PVal = math.Erfc(math.Abs(coef/sd) / math.Sqrt2)
			}
		}
		pvals[g] = row.PVal
		s.Rows[g] = row
	}
	for g, q := range AdjustBH(pvals) {
		s.Rows[g].QVal = q
	}
	return s, nil
}

func (e Reference) maxIter() int {
	if e.MaxIter > 0 {
		return e.MaxIter
	}
	return 50
}

func (e Reference) tol() float64 {
	if e.Tol > 0 {
		return e.Tol
	}
	return 1e-8
}

// irls holds scratch space for fitting one design against many genes.
type irls struct {
	d       *design
	maxIter int
	tol     float64
	beta    []float64
	eta, mu []float64
	xtwx    []float64 // p x p
	xtwz    []float64
	chol    []float64
}

func newIRLS(d *design, maxIter int, tol float64) *irls {
	return &irls{
		d:       d,
		maxIter: maxIter,
		tol:     tol,
		beta:    make([]float64, d.p),
		eta:     make([]float64, d.n),
		mu:      make([]float64, d.n),
		xtwx:    make([]float64, d.p*d.p),
		xtwz:    make([]float64, d.p),
		chol:    make([]float64, d.p*d.p),
	}
}

func (r *irls) updateMu(offset []float64) {
	d := r.d
	for i := 0; i < d.n; i++ {
		eta := offset[i]
		for k := 0; k < d.p; k++ {
			eta += d.at(i, k) * r.beta[k]
		}
		if eta > etaClamp {
			eta = etaClamp
		} else if eta < -etaClamp {
			eta = -etaClamp
		}
		r.eta[i] = eta
		r.mu[i] = math.Max(math.Exp(eta), muFloor)
	}
}

func poissonDeviance(y, mu []float64) float64 {
	var dev float64
	for i, yi := range y {
		if yi > 0 {
			dev += yi*math.Log(yi/mu[i]) - (yi - mu[i])
		} else {
			dev += mu[i]
		}
	}
	return 2 * dev
}

// run fits one gene and returns the tested coefficient, its standard error,
// and the log-likelihood.
func (r *irls) run(y, offset []float64, estimateScale bool) (coef, sd, ll float64) {
	d := r.d
	p := d.p
	for k := range r.beta {
		r.beta[k] = 0
	}
	var sum, sumSF float64
	for i, yi := range y {
		sum += yi
		sumSF += math.Exp(offset[i])
	}
	if d.names[0] == "Intercept" {
		r.beta[0] = math.Log(sum / sumSF)
	}
	r.updateMu(offset)
	dev := poissonDeviance(y, r.mu)
	ok := true
	for iter := 0; iter < r.maxIter; iter++ {
		r.normalEquations(y, offset)
		if ok = r.factor(); !ok {
			break
		}
		copy(r.beta, r.xtwz)
		cholSolve(r.chol, p, r.beta)
		r.updateMu(offset)
		newDev := poissonDeviance(y, r.mu)
		if math.Abs(newDev-dev)/(math.Abs(newDev)+0.1) < r.tol {
			dev = newDev
			break
		}
		dev = newDev
	}
	// Recompute the information matrix at the final estimate.
	r.normalEquations(y, offset)
	if !ok || !r.factor() {
		return r.beta[d.test], math.Inf(1), poissonLL(y, r.mu)
	}
	e := make([]float64, p)
	e[d.test] = 1
	cholSolve(r.chol, p, e)
	variance := e[d.test]
	if estimateScale && d.n > p {
		var chi2 float64
		for i, yi := range y {
			res := yi - r.mu[i]
			chi2 += res * res / r.mu[i]
		}
		if phi := chi2 / float64(d.n-p); phi > 1 {
			variance *= phi
		}
	}
	return r.beta[d.test], math.Sqrt(variance), poissonLL(y, r.mu)
}

// normalEquations fills X'WX and X'Wz for the current mu.
func (r *irls) normalEquations(y, offset []float64) {
	d := r.d
	p := d.p
	for k := range r.xtwx {
		r.xtwx[k] = 0
	}
	for k := range r.xtwz {
		r.xtwz[k] = 0
	}
	for i := 0; i < d.n; i++ {
		w := r.mu[i]
		z := r.eta[i] - offset[i] + (y[i]-r.mu[i])/r.mu[i]
		row := d.x[i*p : (i+1)*p]
		for a := 0; a < p; a++ {
			if row[a] == 0 {
				continue
			}
			wa := w * row[a]
			r.xtwz[a] += wa * z
			for b := 0; b <= a; b++ {
				r.xtwx[a*p+b] += wa * row[b]
			}
		}
	}
	for a := 0; a < p; a++ {
		for b := 0; b < a; b++ {
			r.xtwx[b*p+a] = r.xtwx[a*p+b]
		}
	}
}

// factor computes the Cholesky factor of X'WX plus a small ridge into r.chol.
func (r *irls) factor() bool {
	p := r.d.p
	var trace float64
	for k := 0; k < p; k++ {
		trace += r.xtwx[k*p+k]
	}
	copy(r.chol, r.xtwx)
	ridge := ridgeScale * trace / float64(p)
	for k := 0; k < p; k++ {
		r.chol[k*p+k] += ridge
	}
	return cholesky(r.chol, p)
}

func poissonLL(y, mu []float64) float64 {
	var ll float64
	for i, yi := range y {
		lg, _ := math.Lgamma(yi + 1)
		ll += yi*math.Log(mu[i]) - mu[i] - lg
	}
	return ll
}

// cholesky overwrites the lower triangle of the p x p symmetric matrix a with
// its Cholesky factor L (a = L L'). It returns false if a is not positive
// definite.
func cholesky(a []float64, p int) bool {
	for j := 0; j < p; j++ {
		s := a[j*p+j]
		for k := 0; k < j; k++ {
			s -= a[j*p+k] * a[j*p+k]
		}
		if !(s > 0) {
			return false
		}
		ljj := math.Sqrt(s)
		a[j*p+j] = ljj
		for i := j + 1; i < p; i++ {
			s := a[i*p+j]
			for k := 0; k < j; k++ {
				s -= a[i*p+k] * a[j*p+k]
			}
			a[i*p+j] = s / ljj
		}
	}
	return true
}

// cholSolve solves L L' x = b in place, where l holds L in its lower
// triangle.
func cholSolve(l []float64, p int, b []float64) {
	for i := 0; i < p; i++ {
		s := b[i]
		for k := 0; k < i; k++ {
			s -= l[i*p+k] * b[k]
		}
		b[i] = s / l[i*p+i]
	}
	for i := p - 1; i >= 0; i-- {
		s := b[i]
		for k := i + 1; k < p; k++ {
			s -= l[k*p+i] * b[k]
		}
		b[i] = s / l[i*p+i]
	}
}

func sortByP(idx []int, pvals []float64) {
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := pvals[idx[a]], pvals[idx[b]]
		if math.IsNaN(pa) {
			return false
		}
		if math.IsNaN(pb) {
			return true
		}
		return pa < pb
	})
}
