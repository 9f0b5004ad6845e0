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

// Package arena holds a dense expression matrix in an anonymous shared
// mapping so that many concurrent tests can read it without each holding a
// copy.
//
// The mapping is created outside the Go heap, filled once, and then
// write-protected. Lifetime is reference counted: the creator holds one
// reference, every View holds one, and the mapping is unmapped when the last
// reference is released.
package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/diffexp/expr"
	"golang.org/x/sys/unix"
)

const float64Size = int(unsafe.Sizeof(float64(0)))

// Arena is a read-only rows x cols float64 matrix in shared memory.
type Arena struct {
	rows, cols int

	mu   sync.Mutex
	mem  []byte    // the mapping; nil once unmapped.
	vals []float64 // mem viewed as row-major float64.
	refs int
}

// New copies m into a fresh arena. The caller owns one reference and must
// call Release when it no longer creates views.
func New(m *expr.Dense) (*Arena, error) {
	rows, cols := m.Dims()
	a := &Arena{rows: rows, cols: cols, refs: 1}
	n := rows * cols
	if n == 0 {
		// mmap rejects zero-length mappings.
		return a, nil
	}
	mem, err := unix.Mmap(-1, 0, n*float64Size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("arena: mmap %dx%d", rows, cols))
	}
	vals := unsafe.Slice((*float64)(unsafe.Pointer(&mem[0])), n)
	copy(vals, m.Data())
	if err := unix.Mprotect(mem, unix.PROT_READ); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.E(err, "arena: mprotect")
	}
	a.mem, a.vals = mem, vals
	log.Debug.Printf("arena: mapped %dx%d matrix (%d bytes)", rows, cols, len(mem))
	return a, nil
}

// Dims returns the matrix shape.
func (a *Arena) Dims() (rows, cols int) { return a.rows, a.cols }

func (a *Arena) acquire() ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return nil, errors.E(errors.Precondition, "arena: use after release")
	}
	a.refs++
	return a.vals, nil
}

// Release drops one reference. The mapping is unmapped when the count reaches
// zero. Releasing more times than acquired is an error.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return errors.E(errors.Precondition, "arena: released twice")
	}
	a.refs--
	if a.refs > 0 {
		return nil
	}
	a.vals = nil
	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return errors.E(err, "arena: munmap")
	}
	log.Debug.Printf("arena: unmapped %dx%d matrix", a.rows, a.cols)
	return nil
}

// View returns a matrix over the given rows and columns of the arena, in the
// given order. A nil rows or cols selects everything along that axis. The
// view holds a reference on the arena until Close is called.
func (a *Arena) View(rows, cols []int) (*View, error) {
	vals, err := a.acquire()
	if err != nil {
		return nil, err
	}
	v := &View{a: a, vals: vals, stride: a.cols, rows: rows, cols: cols,
		nRow: a.rows, nCol: a.cols}
	if rows != nil {
		v.nRow = len(rows)
	}
	if cols != nil {
		v.nCol = len(cols)
	}
	return v, nil
}

// View is an index-based read-only window onto an Arena. It implements
// expr.Matrix.
type View struct {
	a          *Arena
	vals       []float64
	stride     int
	rows, cols []int
	nRow, nCol int
	once       sync.Once
}

var _ expr.Matrix = (*View)(nil)

// Dims implements expr.Matrix.
func (v *View) Dims() (int, int) { return v.nRow, v.nCol }

// At implements expr.Matrix.
func (v *View) At(i, j int) float64 {
	if v.rows != nil {
		i = v.rows[i]
	}
	if v.cols != nil {
		j = v.cols[j]
	}
	return v.vals[i*v.stride+j]
}

// Sub returns a view over a subset of this view's rows and columns, indexed
// relative to v. It takes its own reference on the arena.
func (v *View) Sub(rows, cols []int) (*View, error) {
	compose := func(outer, inner []int) []int {
		if inner == nil {
			return outer
		}
		if outer == nil {
			return inner
		}
		out := make([]int, len(inner))
		for k, i := range inner {
			out[k] = outer[i]
		}
		return out
	}
	return v.a.View(compose(v.rows, rows), compose(v.cols, cols))
}

// Close releases the view's reference on the arena. It is safe to call more
// than once; only the first call has an effect.
func (v *View) Close() (err error) {
	v.once.Do(func() {
		v.vals = nil
		err = v.a.Release()
	})
	return
}
