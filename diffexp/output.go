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
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/diffexp/wald"
	"github.com/klauspost/compress/gzip"
)

var rowHeader = []string{"gene", "pval", "qval", "log2fc", "mean", "zero_mean", "coef_mle", "coef_sd", "ll"}

func writeRowHeader(tw *tsv.Writer) {
	for _, h := range rowHeader {
		tw.WriteString(h)
	}
}

func writeRow(tw *tsv.Writer, r wald.Row) {
	tw.WriteString(r.Gene)
	tw.WriteString(formatFloat(r.PVal))
	tw.WriteString(formatFloat(r.QVal))
	tw.WriteString(formatFloat(r.Log2FC))
	tw.WriteString(formatFloat(r.Mean))
	if r.ZeroMean {
		tw.WriteString("True")
	} else {
		tw.WriteString("False")
	}
	tw.WriteString(formatFloat(r.CoefMLE))
	tw.WriteString(formatFloat(r.CoefSD))
	tw.WriteString(formatFloat(r.LL))
}

// WriteTable writes one result table as TSV with a header line.
func WriteTable(w io.Writer, s *wald.Summary) error {
	tw := tsv.NewWriter(w)
	writeRowHeader(tw)
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, r := range s.Rows {
		writeRow(tw, r)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// TablePath returns the path WriteResultTables uses for the table named key.
func TablePath(prefix, key string, compress bool) string {
	path := prefix + "." + strings.Replace(key, "/", "_", -1) + ".tsv"
	if compress {
		path += ".gz"
	}
	return path
}

// WriteResultTables writes every table of r to TablePath(prefix, key,
// compress), gzip-compressed if compress is set. It returns the paths
// written, in result order.
func WriteResultTables(ctx context.Context, prefix string, r Results, compress bool) ([]string, error) {
	paths := make([]string, r.Len())
	for i := range paths {
		paths[i] = TablePath(prefix, r.Key(i), compress)
		if err := writeTableFile(ctx, paths[i], r.Table(i), compress); err != nil {
			return nil, err
		}
		log.Debug.Printf("wrote %s (%d genes)", paths[i], r.Table(i).Len())
	}
	return paths, nil
}

func writeTableFile(ctx context.Context, path string, s *wald.Summary, compress bool) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if !compress {
		return WriteTable(out.Writer(ctx), s)
	}
	gz := gzip.NewWriter(out.Writer(ctx))
	if err := WriteTable(gz, s); err != nil {
		return err
	}
	return gz.Close()
}
