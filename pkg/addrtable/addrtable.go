// Copyright 2024 The fix-stacks Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package addrtable holds the in-memory index over one binary or debug file:
// a sorted table of function address ranges, each with its per-address source
// line entries.
package addrtable

import (
	"sort"

	"github.com/mozilla/fix-stacks/pkg/intern"
)

// LineInfo records that source line Line of the file behind Path begins at
// Addr. Path is resolved through the owning Table's interner.
type LineInfo struct {
	Addr uint64
	Line uint32
	Path intern.ID
}

// FuncInfo is the debug info for a single function covering the half-open
// address range [Addr, Addr+Size). Lines is sorted ascending by address with
// no duplicate addresses.
type FuncInfo struct {
	Addr uint64
	Size uint64

	// Function names are rarely duplicated, so they are not interned.
	MangledName string

	Lines []LineInfo
}

func (f *FuncInfo) contains(addr uint64) bool {
	return f.Addr <= addr && addr < f.Addr+f.Size
}

// LineAt returns the line entry covering addr. The line table has no
// per-entry width, so the nearest entry at or below addr is assumed to
// continue until the next one. Returns false if addr is below the first
// recorded line.
func (f *FuncInfo) LineAt(addr uint64) (LineInfo, bool) {
	i := sort.Search(len(f.Lines), func(i int) bool {
		return f.Lines[i].Addr > addr
	})
	if i == 0 {
		return LineInfo{}, false
	}
	return f.Lines[i-1], true
}

// Table is the complete resolvable knowledge for one file: every function
// sorted ascending by address, with no duplicate addresses. A Table with no
// functions is the valid "could not load" sentinel.
type Table struct {
	interner *intern.Interner
	funcs    []FuncInfo
}

// Empty returns the sentinel table cached for files that could not be loaded.
func Empty() *Table {
	return &Table{interner: intern.New()}
}

// FuncAt returns the function whose range contains addr. An exact match on a
// function's start address always wins; otherwise the nearest function
// starting below addr is returned only if addr falls within its range.
func (t *Table) FuncAt(addr uint64) (*FuncInfo, bool) {
	i := sort.Search(len(t.funcs), func(i int) bool {
		return t.funcs[i].Addr > addr
	})
	if i == 0 {
		return nil, false
	}
	fn := &t.funcs[i-1]
	if fn.Addr == addr || fn.contains(addr) {
		return fn, true
	}
	return nil, false
}

// PathOf resolves the interned source path of a line entry obtained from this
// table.
func (t *Table) PathOf(li LineInfo) string {
	return t.interner.Resolve(li.Path)
}

// NumFuncs reports how many functions the table holds. Zero means the table
// is the "could not load" sentinel.
func (t *Table) NumFuncs() int {
	return len(t.funcs)
}

// SourceLine is one line record as reported by a debug source, before its
// path has been interned.
type SourceLine struct {
	Addr uint64
	Line uint32
	Path string
}

// Builder accumulates functions from one or more debug sources and produces
// an immutable Table. Addresses may be shifted by a per-function offset at
// insertion time, which the multi-object reconstruction relies on.
type Builder struct {
	interner *intern.Interner
	funcs    []FuncInfo
}

func NewBuilder() *Builder {
	return &Builder{interner: intern.New()}
}

// AddFunc records one function. offset is added to the function address and
// to every line address; it is zero for debug sources that already use the
// final address space. Line entries are sorted and deduplicated by address,
// later entries winning.
func (b *Builder) AddFunc(name string, addr, size uint64, offset int64, lines []SourceLine) {
	fn := FuncInfo{
		Addr:        uint64(int64(addr) + offset),
		Size:        size,
		MangledName: name,
		Lines:       make([]LineInfo, 0, len(lines)),
	}
	for _, sl := range lines {
		fn.Lines = append(fn.Lines, LineInfo{
			Addr: uint64(int64(sl.Addr) + offset),
			Line: sl.Line,
			Path: b.interner.Intern(sl.Path),
		})
	}
	sortDedup(&fn.Lines, func(li LineInfo) uint64 { return li.Addr })
	b.funcs = append(b.funcs, fn)
}

// Finish sorts the accumulated functions by address and removes duplicate
// addresses, keeping the last-inserted entry for each. The Builder must not
// be used afterwards.
func (b *Builder) Finish() *Table {
	sortDedup(&b.funcs, func(fn FuncInfo) uint64 { return fn.Addr })
	return &Table{interner: b.interner, funcs: b.funcs}
}

// sortDedup stable-sorts entries by key and keeps the last entry of each run
// of equal keys. Stability is what makes "last inserted wins" hold.
func sortDedup[T any](entries *[]T, key func(T) uint64) {
	s := *entries
	sort.SliceStable(s, func(i, j int) bool {
		return key(s[i]) < key(s[j])
	})
	out := s[:0]
	for i := 0; i < len(s); i++ {
		if i+1 < len(s) && key(s[i+1]) == key(s[i]) {
			continue
		}
		out = append(out, s[i])
	}
	*entries = out
}
