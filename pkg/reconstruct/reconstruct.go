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

// Package reconstruct builds an address table for a Mach-O executable whose
// debug info was never linked into it. On macOS the linker leaves DWARF
// behind in the original .o files and static archives, recording only OSO
// stab references to them in the executable's symbol table. Reconstruction
// follows those references, reads the DWARF from each referenced file, and
// relocates it into the executable's address space.
package reconstruct

import (
	"debug/macho"
	"os"
	"strings"

	"github.com/mozilla/fix-stacks/pkg/addrtable"
	"github.com/mozilla/fix-stacks/pkg/objfile"
)

// symIndex maps "<debug source>:<function name>" to the function's final
// address in the executable. The debug source is the OSO path, collapsed to
// the archive path for archive members, so that DWARF read from any member
// of an archive can be matched against it.
type symIndex map[string]uint64

func indexKey(source, name string) string {
	return source + ":" + name
}

// archiveRef reports whether an OSO path names a static archive member,
// "libfoo.a(bar.o)", and if so returns the archive path.
func archiveRef(osoName string) (string, bool) {
	if !strings.HasSuffix(osoName, ")") {
		return "", false
	}
	i := strings.Index(osoName, ".a(")
	if i < 0 {
		return "", false
	}
	return osoName[:i+2], true
}

// buildIndex is the first pass over the executable's symbol table. FUN stabs
// are grouped under the most recent OSO stab, which names the file their
// DWARF lives in. Symbol values are rebased from the __TEXT load address,
// and the leading underscore the Mach-O ABI adds is stripped so names match
// the DWARF. Later entries win over earlier ones with the same key.
func buildIndex(syms []macho.Symbol, loadAddr uint64) symIndex {
	idx := make(symIndex)
	var source string
	for _, sym := range syms {
		switch {
		case objfile.IsOSO(sym):
			if ar, ok := archiveRef(sym.Name); ok {
				source = ar
			} else {
				source = sym.Name
			}
		case objfile.IsFunStab(sym):
			if source == "" {
				continue
			}
			name := strings.TrimPrefix(sym.Name, "_")
			idx[indexKey(source, name)] = sym.Value - loadAddr
		}
	}
	return idx
}

// engine carries the file and debug session access used by reconstruction,
// injectable for tests.
type engine struct {
	read func(path string) ([]byte, error)
	open func(data []byte, cpu macho.Cpu) (objfile.Session, error)
}

// Table reconstructs the address table for a Mach-O executable. Any failure
// to read or parse a referenced debug file aborts the whole reconstruction;
// a table relocated from partial information would attribute addresses to
// the wrong functions.
func Table(data []byte) (*addrtable.Table, error) {
	f, err := objfile.OpenMachO(data)
	if err != nil {
		return nil, objfile.Errorf(err, "parse")
	}
	if f.Symtab == nil {
		return nil, objfile.Errorf(nil, "read symbol table from")
	}
	e := engine{read: os.ReadFile, open: objfile.MachOSession}
	return e.build(f.Symtab.Syms, objfile.TextAddr(f), f.Cpu)
}

// build is the second pass. Every referenced debug file is visited exactly
// once, in the order its first OSO reference appears, and each archive is
// read once no matter how many of its members are referenced.
func (e engine) build(syms []macho.Symbol, loadAddr uint64, cpu macho.Cpu) (*addrtable.Table, error) {
	idx := buildIndex(syms, loadAddr)

	b := addrtable.NewBuilder()
	seen := make(map[string]bool)
	for _, sym := range syms {
		if !objfile.IsOSO(sym) {
			continue
		}
		source := sym.Name
		ar, isArchive := archiveRef(source)
		if isArchive {
			source = ar
		}
		if seen[source] {
			continue
		}
		seen[source] = true

		var err error
		if isArchive {
			err = e.mergeArchive(b, idx, source, cpu)
		} else {
			err = e.mergeObject(b, idx, source, cpu)
		}
		if err != nil {
			return nil, err
		}
	}
	return b.Finish(), nil
}

func (e engine) mergeObject(b *addrtable.Builder, idx symIndex, path string, cpu macho.Cpu) error {
	data, err := e.read(path)
	if err != nil {
		return objfile.Errorf(err, "read debug info file `%s` referenced by", path)
	}
	sess, err := e.open(data, cpu)
	if err != nil {
		return objfile.Errorf(err, "parse debug info file `%s` referenced by", path)
	}
	return merge(b, idx, path, sess)
}

func (e engine) mergeArchive(b *addrtable.Builder, idx symIndex, path string, cpu macho.Cpu) error {
	data, err := e.read(path)
	if err != nil {
		return objfile.Errorf(err, "read ar `%s` referenced by", path)
	}
	members, err := objfile.ArchiveMembers(data)
	if err != nil {
		return objfile.Errorf(err, "parse ar `%s` referenced by", path)
	}
	for _, m := range members {
		sess, err := e.open(m.Data, cpu)
		if err != nil {
			return objfile.Errorf(err, "parse `%s` in ar `%s` referenced by", m.Name, path)
		}
		if err := merge(b, idx, path, sess); err != nil {
			return err
		}
	}
	return nil
}

// merge relocates one debug session's functions into the executable's
// address space. A function with no entry in the index was not linked into
// the executable and is dropped; keeping it would plant debug-space
// addresses in the table.
func merge(b *addrtable.Builder, idx symIndex, source string, sess objfile.Session) error {
	fns, err := sess.Functions()
	if err != nil {
		return objfile.Errorf(err, "read debug info from `%s` referenced by", source)
	}
	for _, fn := range fns {
		finalAddr, ok := idx[indexKey(source, fn.Name)]
		if !ok {
			continue
		}
		offset := int64(finalAddr) - int64(fn.Addr)
		lines := make([]addrtable.SourceLine, len(fn.Lines))
		for i, ln := range fn.Lines {
			lines[i] = addrtable.SourceLine{Addr: ln.Addr, Line: ln.Line, Path: ln.File}
		}
		b.AddFunc(fn.Name, fn.Addr, fn.Size, offset, lines)
	}
	return nil
}
