package expr

// This file implements a compact binary cache of a Collection's primary
// matrix, gene names, and annotation table. Parsing large long-format count
// files dominates load time, so callers that rerun analyses on the same input
// can load the cache instead.
//
// Layout (all integers are uvarints, strings are length-prefixed):
//
//   magic "DXC1"
//   nCell, nGene
//   nGene gene names
//   nCell cell names
//   nCol, then for each column: name, nCell values
//   nnz, then nnz (row, col, float64 bits) triples in row-major order
//
// The stream is framed with snappy.

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/golang/snappy"
	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const (
	cacheMagic = "DXC1"
	// maxCacheCount bounds every count and string length read from a cache.
	maxCacheCount = 1 << 31
)

type cacheWriter struct {
	w   io.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (w *cacheWriter) uvarint(v uint64) {
	if w.err != nil {
		return
	}
	n := binary.PutUvarint(w.buf[:], v)
	_, w.err = w.w.Write(w.buf[:n])
}

func (w *cacheWriter) str(s string) {
	w.uvarint(uint64(len(s)))
	if w.err == nil {
		_, w.err = io.WriteString(w.w, s)
	}
}

func (w *cacheWriter) float(f float64) {
	if w.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(w.buf[:8], math.Float64bits(f))
	_, w.err = w.w.Write(w.buf[:8])
}

// WriteCache writes the primary matrix, genes, and annotations of c to path.
// Layers and Uns are not stored.
func WriteCache(ctx context.Context, path string, c *Collection) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	sw := snappy.NewBufferedWriter(out.Writer(ctx))
	defer func() {
		if e := sw.Close(); e != nil && err == nil {
			err = e
		}
	}()

	w := &cacheWriter{w: sw}
	if _, err = io.WriteString(sw, cacheMagic); err != nil {
		return err
	}
	nCell, nGene := c.Shape()
	w.uvarint(uint64(nCell))
	w.uvarint(uint64(nGene))
	for _, g := range c.Var {
		w.str(g)
	}
	for _, cell := range c.Obs.Index() {
		w.str(cell)
	}
	cols := c.Obs.Columns()
	w.uvarint(uint64(len(cols)))
	for _, name := range cols {
		w.str(name)
		vals, _ := c.Obs.Col(name)
		for _, v := range vals {
			w.str(v)
		}
	}
	var nnz int
	if m, ok := c.X.(*CSR); ok {
		nnz = m.NNZ()
	} else {
		for i := 0; i < nCell; i++ {
			for j := 0; j < nGene; j++ {
				if c.X.At(i, j) != 0 {
					nnz++
				}
			}
		}
	}
	w.uvarint(uint64(nnz))
	for i := 0; i < nCell; i++ {
		for j := 0; j < nGene; j++ {
			if v := c.X.At(i, j); v != 0 {
				w.uvarint(uint64(i))
				w.uvarint(uint64(j))
				w.float(v)
			}
		}
	}
	return w.err
}

type cacheReader struct {
	r   *bufio.Reader
	err error
}

func (r *cacheReader) uvarint() int {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		r.err = err
		return 0
	}
	if v > maxCacheCount {
		r.err = errors.Errorf("corrupt cache: count %d exceeds %d", v, uint64(maxCacheCount))
		return 0
	}
	return int(v)
}

func (r *cacheReader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return string(b)
}

func (r *cacheReader) float() float64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	_, r.err = io.ReadFull(r.r, b[:])
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:]))
}

// ReadCache loads a collection written by WriteCache. The matrix is returned
// in CSR form.
func ReadCache(ctx context.Context, path string) (c *Collection, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r := &cacheReader{r: bufio.NewReader(snappy.NewReader(in.Reader(ctx)))}
	magic := make([]byte, len(cacheMagic))
	if _, err = io.ReadFull(r.r, magic); err != nil {
		return nil, errors.Wrapf(err, "%s: read magic", path)
	}
	if string(magic) != cacheMagic {
		return nil, errors.Errorf("%s: not a collection cache (magic %q)", path, magic)
	}
	// Header counts are unverified; grow slices as names arrive.
	nCell, nGene := r.uvarint(), r.uvarint()
	var genes, cells []string
	for i := 0; i < nGene && r.err == nil; i++ {
		genes = append(genes, r.str())
	}
	for i := 0; i < nCell && r.err == nil; i++ {
		cells = append(cells, r.str())
	}
	if r.err != nil {
		return nil, errors.Wrapf(r.err, "%s", path)
	}
	obs := NewTable(cells)
	nCol := r.uvarint()
	for k := 0; k < nCol && r.err == nil; k++ {
		name := r.str()
		vals := make([]string, nCell)
		for i := range vals {
			vals[i] = r.str()
		}
		if r.err == nil {
			if err = obs.Set(name, vals); err != nil {
				return nil, err
			}
		}
	}
	nnz := r.uvarint()
	if r.err != nil {
		return nil, errors.Wrapf(r.err, "%s", path)
	}
	if uint64(nnz) > uint64(nCell)*uint64(nGene) {
		return nil, errors.Errorf("%s: %d nonzeros in a %dx%d matrix", path, nnz, nCell, nGene)
	}
	indptr := make([]int, nCell+1)
	var (
		indices []int
		data    []float64
	)
	prevRow := 0
	for k := 0; k < nnz; k++ {
		row, col, v := r.uvarint(), r.uvarint(), r.float()
		if r.err != nil {
			return nil, errors.Wrapf(r.err, "%s: entry %d", path, k)
		}
		if row < prevRow || row >= nCell {
			return nil, errors.Errorf("%s: entry %d: row %d out of order", path, k, row)
		}
		for ; prevRow < row; prevRow++ {
			indptr[prevRow+1] = len(data)
		}
		indices = append(indices, col)
		data = append(data, v)
	}
	for ; prevRow < nCell; prevRow++ {
		indptr[prevRow+1] = len(data)
	}
	m, err := NewCSR(nCell, nGene, indptr, indices, data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return New(m, obs, genes)
}
