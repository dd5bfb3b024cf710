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

package objfile

import (
	"debug/dwarf"
	"fmt"
	"io"
	"sort"
)

// dwarfSession enumerates functions and their line tables from DWARF debug
// data, shared by the ELF and Mach-O loaders.
type dwarfSession struct {
	data *dwarf.Data
}

func newDwarfSession(data *dwarf.Data) Session {
	return &dwarfSession{data: data}
}

func (s *dwarfSession) Functions() ([]Function, error) {
	r := s.data.Reader()
	var fns []Function
	var cu []dwarf.LineEntry
	for {
		ent, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("read DWARF entry: %w", err)
		}
		if ent == nil {
			break
		}
		switch ent.Tag {
		case dwarf.TagCompileUnit:
			cu, err = s.compileUnitLines(ent)
			if err != nil {
				return nil, err
			}
		case dwarf.TagSubprogram:
			fn, ok := subprogram(ent)
			if !ok {
				// Declarations and inlined-only subprograms carry no
				// address range.
				r.SkipChildren()
				continue
			}
			fn.Lines = linesInRange(cu, fn.Addr, fn.Addr+fn.Size)
			fns = append(fns, fn)
			r.SkipChildren()
		}
	}
	return fns, nil
}

// compileUnitLines decodes a compilation unit's whole line program, sorted by
// address. Functions of the unit slice their entries out of it.
func (s *dwarfSession) compileUnitLines(cu *dwarf.Entry) ([]dwarf.LineEntry, error) {
	lr, err := s.data.LineReader(cu)
	if err != nil {
		return nil, fmt.Errorf("read DWARF line table: %w", err)
	}
	if lr == nil {
		return nil, nil
	}
	var entries []dwarf.LineEntry
	for {
		var le dwarf.LineEntry
		err := lr.Next(&le)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read DWARF line entry: %w", err)
		}
		if le.EndSequence || le.File == nil {
			continue
		}
		entries = append(entries, le)
	}
	// Sequences may be emitted out of address order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Address < entries[j].Address
	})
	return entries, nil
}

func subprogram(ent *dwarf.Entry) (Function, bool) {
	low, ok := ent.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return Function{}, false
	}
	var high uint64
	switch v := ent.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		high = v
	case int64:
		// Constant class: an offset from the low pc.
		high = low + uint64(v)
	default:
		return Function{}, false
	}
	if high < low {
		return Function{}, false
	}
	name, _ := ent.Val(dwarf.AttrLinkageName).(string)
	if name == "" {
		name, _ = ent.Val(dwarf.AttrName).(string)
	}
	if name == "" {
		return Function{}, false
	}
	return Function{Name: name, Addr: low, Size: high - low}, true
}

func linesInRange(entries []dwarf.LineEntry, low, high uint64) []Line {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Address >= low
	})
	var lines []Line
	for ; i < len(entries) && entries[i].Address < high; i++ {
		le := entries[i]
		lines = append(lines, Line{
			Addr: le.Address,
			Line: uint32(le.Line),
			File: le.File.Name,
		})
	}
	return lines
}
