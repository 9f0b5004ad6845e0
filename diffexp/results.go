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

	"github.com/grailbio/base/errors"
	"github.com/grailbio/diffexp/wald"
)

// Kind identifies the comparison scheme that produced a result set.
type Kind int

const (
	// KindVsRest marks one-vs-rest results, one table per group.
	KindVsRest Kind = iota
	// KindPairWise marks pairwise results, one table per ordered pair.
	KindPairWise
)

// String returns the persisted name of the kind.
func (k Kind) String() string {
	switch k {
	case KindVsRest:
		return "vsRest"
	case KindPairWise:
		return "pairWise"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vsRest":
		return KindVsRest, nil
	case "pairWise":
		return KindPairWise, nil
	}
	return 0, errors.E(errors.Invalid, "unknown result kind: "+s)
}

// Results is a set of result tables recorded under one metadata key. It is
// implemented by *VsRestResults and *PairWiseResults.
type Results interface {
	Kind() Kind
	// Len returns the number of tables.
	Len() int
	// Key returns the name of the i'th table: the group for vsRest, and
	// PairKey(test, background) for pairWise.
	Key(i int) string
	// Table returns the i'th table.
	Table(i int) *wald.Summary
}

// VsRestEntry is the result of testing one group against the rest.
type VsRestEntry struct {
	Group string
	Table *wald.Summary
}

// VsRestResults lists per-group tables in the order the groups were given.
type VsRestResults struct {
	Entries []VsRestEntry
}

// Kind implements Results.
func (r *VsRestResults) Kind() Kind { return KindVsRest }

// Len implements Results.
func (r *VsRestResults) Len() int { return len(r.Entries) }

// Key implements Results.
func (r *VsRestResults) Key(i int) string { return r.Entries[i].Group }

// Table implements Results.
func (r *VsRestResults) Table(i int) *wald.Summary { return r.Entries[i].Table }

// Get returns the table of the given group.
func (r *VsRestResults) Get(group string) (*wald.Summary, bool) {
	for _, e := range r.Entries {
		if e.Group == group {
			return e.Table, true
		}
	}
	return nil, false
}

// PairKey names the table of test against background.
func PairKey(test, background string) string {
	return "test_" + test + "_bg_" + background
}

// PairWiseEntry is the result of testing one group against another.
type PairWiseEntry struct {
	Test       string
	Background string
	Table      *wald.Summary
}

// PairWiseResults lists the tables of every ordered pair of distinct groups.
// Entries for pairs (i, j) with i < j in group order come first in row-major
// order, followed by their mirrors.
type PairWiseResults struct {
	Groups  []string
	Entries []PairWiseEntry
}

// Kind implements Results.
func (r *PairWiseResults) Kind() Kind { return KindPairWise }

// Len implements Results.
func (r *PairWiseResults) Len() int { return len(r.Entries) }

// Key implements Results.
func (r *PairWiseResults) Key(i int) string {
	return PairKey(r.Entries[i].Test, r.Entries[i].Background)
}

// Table implements Results.
func (r *PairWiseResults) Table(i int) *wald.Summary { return r.Entries[i].Table }

// Get returns the table of test against background.
func (r *PairWiseResults) Get(test, background string) (*wald.Summary, bool) {
	for _, e := range r.Entries {
		if e.Test == test && e.Background == background {
			return e.Table, true
		}
	}
	return nil, false
}
