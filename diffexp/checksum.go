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
	"encoding/binary"
	"math"

	"blainsmith.com/go/seahash"
)

// Checksum returns a seahash digest of r covering every key and every field
// of every row, in result order. Result sets holding bitwise-identical tables
// in the same order have the same checksum.
func Checksum(r Results) uint64 {
	h := seahash.New()
	var buf [8]byte
	putString := func(s string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	putString(r.Kind().String())
	for i := 0; i < r.Len(); i++ {
		putString(r.Key(i))
		for _, row := range r.Table(i).Rows {
			putString(row.Gene)
			putFloat(row.PVal)
			putFloat(row.QVal)
			putFloat(row.Log2FC)
			putFloat(row.Mean)
			if row.ZeroMean {
				putFloat(1)
			} else {
				putFloat(0)
			}
			putFloat(row.CoefMLE)
			putFloat(row.CoefSD)
			putFloat(row.LL)
		}
	}
	return h.Sum64()
}
