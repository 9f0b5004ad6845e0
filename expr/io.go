package expr

import (
	"context"
	"encoding/csv"
	"io"
	"sort"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// countRow is one line of a long-format counts file.
type countRow struct {
	Cell  string  `tsv:"cell"`
	Gene  string  `tsv:"gene"`
	Count float64 `tsv:"count"`
}

// openMaybeGzip opens path and, for gzipped files, wraps the reader with a
// decompressor. The returned closer closes both.
func openMaybeGzip(ctx context.Context, path string) (io.Reader, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	var reader io.Reader = in.Reader(ctx)
	var gz *gzip.Reader
	if fileio.DetermineType(path) == fileio.Gzip {
		if gz, err = gzip.NewReader(reader); err != nil {
			_ = in.Close(ctx)
			return nil, nil, errors.Wrapf(err, "%s", path)
		}
		reader = gz
	}
	closer := func() error {
		var err error
		if gz != nil {
			err = gz.Close()
		}
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
		return err
	}
	return reader, closer, nil
}

// ReadObs reads a tab-separated annotation table. The first line is a header;
// the first column holds cell names and the remaining columns become table
// columns.
func ReadObs(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read obs header")
	}
	if len(header) < 1 {
		return nil, errors.New("obs header is empty")
	}
	var (
		index []string
		cols  = make([][]string, len(header)-1)
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read obs line %d", len(index)+2)
		}
		index = append(index, rec[0])
		for i := range cols {
			cols[i] = append(cols[i], rec[i+1])
		}
	}
	t := NewTable(index)
	for i, name := range header[1:] {
		if cols[i] == nil {
			cols[i] = []string{}
		}
		if err := t.Set(name, cols[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ReadCounts reads long-format "cell gene count" rows into a CSR matrix whose
// rows follow the order of cells. Genes are numbered in order of first
// appearance. Zero counts may be omitted from the input.
func ReadCounts(r io.Reader, cells []string) (*CSR, []string, error) {
	cellIdx := make(map[string]int, len(cells))
	for i, c := range cells {
		cellIdx[c] = i
	}
	geneIdx := map[string]int{}
	var genes []string
	type ent struct {
		col int
		val float64
	}
	rows := make([][]ent, len(cells))

	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	tr.Comment = '#'
	var row countRow
	for line := 2; ; line++ {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, errors.Wrapf(err, "read counts line %d", line)
		}
		ci, ok := cellIdx[row.Cell]
		if !ok {
			return nil, nil, errors.Errorf("counts line %d: cell %s not in annotation table", line, row.Cell)
		}
		gi, ok := geneIdx[row.Gene]
		if !ok {
			gi = len(genes)
			geneIdx[row.Gene] = gi
			genes = append(genes, row.Gene)
		}
		rows[ci] = append(rows[ci], ent{gi, row.Count})
	}

	indptr := make([]int, 1, len(cells)+1)
	var (
		indices []int
		data    []float64
	)
	for ci, es := range rows {
		sort.Slice(es, func(a, b int) bool { return es[a].col < es[b].col })
		for k, e := range es {
			if k > 0 && es[k-1].col == e.col {
				return nil, nil, errors.Errorf("counts: duplicate entry for cell %s, gene %s", cells[ci], genes[e.col])
			}
			indices = append(indices, e.col)
			data = append(data, e.val)
		}
		indptr = append(indptr, len(data))
	}
	m, err := NewCSR(len(cells), len(genes), indptr, indices, data)
	if err != nil {
		return nil, nil, err
	}
	return m, genes, nil
}

// ReadTSV loads a collection from a long-format counts file and an annotation
// table. Paths ending in .gz are decompressed.
func ReadTSV(ctx context.Context, countsPath, obsPath string) (c *Collection, err error) {
	obsIn, closeObs, err := openMaybeGzip(ctx, obsPath)
	if err != nil {
		return nil, err
	}
	obs, err := ReadObs(obsIn)
	if e := closeObs(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s", obsPath)
	}

	countsIn, closeCounts, err := openMaybeGzip(ctx, countsPath)
	if err != nil {
		return nil, err
	}
	m, genes, err := ReadCounts(countsIn, obs.Index())
	if e := closeCounts(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s", countsPath)
	}
	return New(m, obs, genes)
}
