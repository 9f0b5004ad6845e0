// Package expr defines the annotated single-cell expression collection: a
// cells x genes matrix, a per-cell annotation table, gene names, alternate
// layers, and a free-form metadata store for analysis results.
//
// Collections are loaded from a long-format counts file plus a wide
// annotation table (ReadTSV), or from a binary cache (ReadCache).
package expr
