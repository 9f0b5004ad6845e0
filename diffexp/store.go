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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/diffexp/wald"
)

const (
	// <fileVersionHeader, fileVersion> is stored in a recordio header.
	fileVersionHeader = "diffexpversion"
	fileVersion       = "DXR_V1"
)

// resultsTrailer is stored in the trailer of a results file.
type resultsTrailer struct {
	Kind string
	// Key is the metadata key the results were stored under.
	Key string
	// Groups is the group list of pairwise results.
	Groups []string
	// Entries is the number of records.
	Entries int
}

// storedEntry is one record of a results file. For vsRest results Test holds
// the group and Background is empty.
type storedEntry struct {
	Test, Background string
	Rows             []wald.Row
}

// WriteResults writes r to a recordio file at path. key is recorded so that
// the results can be restored under the same metadata key.
func WriteResults(ctx context.Context, path, key string, r Results) (err error) {
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(fileVersionHeader, fileVersion)
	w.AddHeader(recordio.KeyTrailer, true)

	trailer := resultsTrailer{Kind: r.Kind().String(), Key: key, Entries: r.Len()}
	for i := 0; i < r.Len(); i++ {
		var e storedEntry
		switch v := r.(type) {
		case *VsRestResults:
			e.Test = v.Entries[i].Group
		case *PairWiseResults:
			e.Test, e.Background = v.Entries[i].Test, v.Entries[i].Background
		}
		e.Rows = r.Table(i).Rows
		b := bytes.NewBuffer(nil)
		if err := gob.NewEncoder(b).Encode(e); err != nil {
			return errors.E(err, "encode", r.Key(i))
		}
		w.Append(b.Bytes())
	}
	if v, ok := r.(*PairWiseResults); ok {
		trailer.Groups = v.Groups
	}
	b := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(b).Encode(trailer); err != nil {
		return errors.E(err, "encode trailer")
	}
	w.SetTrailer(b.Bytes())
	return w.Finish()
}

// ReadResults reads a file written by WriteResults. It returns the metadata
// key and the results.
func ReadResults(ctx context.Context, path string) (key string, r Results, err error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	versionFound := false
	for _, kv := range sc.Header() {
		if kv.Key == fileVersionHeader {
			if v, _ := kv.Value.(string); v != fileVersion {
				return "", nil, errors.E(errors.Invalid, fmt.Sprintf("%s: file version %v, expect %v", path, kv.Value, fileVersion))
			}
			versionFound = true
			break
		}
	}
	if !versionFound {
		if err := sc.Err(); err != nil {
			return "", nil, errors.E(err, path)
		}
		return "", nil, errors.E(errors.Invalid, path+": "+fileVersionHeader+" not found")
	}
	var trailer resultsTrailer
	if err := gob.NewDecoder(bytes.NewReader(sc.Trailer())).Decode(&trailer); err != nil {
		return "", nil, errors.E(errors.Invalid, err, path+": trailer")
	}
	kind, err := ParseKind(trailer.Kind)
	if err != nil {
		return "", nil, err
	}
	vr := &VsRestResults{}
	pr := &PairWiseResults{Groups: trailer.Groups}
	for sc.Scan() {
		var e storedEntry
		if err := gob.NewDecoder(bytes.NewReader(sc.Get().([]byte))).Decode(&e); err != nil {
			return "", nil, errors.E(errors.Invalid, err, path)
		}
		table := &wald.Summary{Rows: e.Rows}
		if kind == KindVsRest {
			vr.Entries = append(vr.Entries, VsRestEntry{Group: e.Test, Table: table})
		} else {
			pr.Entries = append(pr.Entries, PairWiseEntry{Test: e.Test, Background: e.Background, Table: table})
		}
	}
	if err := sc.Err(); err != nil {
		return "", nil, errors.E(err, path)
	}
	r = vr
	if kind == KindPairWise {
		r = pr
	}
	if r.Len() != trailer.Entries {
		return "", nil, errors.E(errors.Invalid, fmt.Sprintf("%s: read %d entries, trailer says %d", path, r.Len(), trailer.Entries))
	}
	return trailer.Key, r, nil
}
