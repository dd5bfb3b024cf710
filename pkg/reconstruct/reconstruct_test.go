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

package reconstruct

import (
	"bytes"
	"debug/macho"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozilla/fix-stacks/pkg/objfile"
)

func oso(name string) macho.Symbol {
	return macho.Symbol{Name: name, Type: objfile.StabOSO}
}

func fun(name string, value uint64) macho.Symbol {
	return macho.Symbol{Name: name, Type: objfile.StabFUN, Sect: 1, Value: value}
}

func TestArchiveRef(t *testing.T) {
	tests := []struct {
		osoName string
		archive string
		ok      bool
	}{
		{"/build/libfoo.a(bar.o)", "/build/libfoo.a", true},
		{"/build/obj/main.o", "", false},
		{"/build/libfoo.a", "", false},
		{"weird.a(x.o", "", false},
	}
	for _, tt := range tests {
		archive, ok := archiveRef(tt.osoName)
		require.Equal(t, tt.ok, ok, tt.osoName)
		require.Equal(t, tt.archive, archive, tt.osoName)
	}
}

func TestBuildIndex(t *testing.T) {
	syms := []macho.Symbol{
		oso("/build/main.o"),
		fun("_main", 0x100001130),
		fun("_helper", 0x100001160),
		oso("/build/libx.a(y.o)"),
		fun("_y1", 0x100002000),
		// FUN end markers have no section and no name.
		{Name: "", Type: objfile.StabFUN, Sect: 0, Value: 40},
		// Non-stab symbols are not function records.
		{Name: "_main", Type: 0x0f, Sect: 1, Value: 0xdead},
	}
	idx := buildIndex(syms, 0x100000000)

	require.Equal(t, symIndex{
		"/build/main.o:main":   0x1130,
		"/build/main.o:helper": 0x1160,
		"/build/libx.a:y1":     0x2000,
	}, idx)
}

func TestBuildIndexLastWins(t *testing.T) {
	syms := []macho.Symbol{
		oso("/build/main.o"),
		fun("_dup", 0x1000),
		fun("_dup", 0x2000),
	}
	idx := buildIndex(syms, 0)
	require.Equal(t, uint64(0x2000), idx["/build/main.o:dup"])
}

// fakeSession returns a fixed function list.
type fakeSession struct {
	fns []objfile.Function
	err error
}

func (s fakeSession) Functions() ([]objfile.Function, error) {
	return s.fns, s.err
}

// fakeEngine wires build to an in-memory filesystem. Debug sessions are
// looked up by file content, which for archive members is the member body,
// so archive fixtures carry the session key as their data.
func fakeEngine(fs map[string][]byte, sessions map[string]objfile.Session, reads map[string]int) engine {
	return engine{
		read: func(path string) ([]byte, error) {
			data, ok := fs[path]
			if !ok {
				return nil, fmt.Errorf("open %s: no such file", path)
			}
			reads[path]++
			return data, nil
		},
		open: func(data []byte, cpu macho.Cpu) (objfile.Session, error) {
			sess, ok := sessions[string(data)]
			if !ok {
				return nil, errors.New("unknown object")
			}
			return sess, nil
		},
	}
}

func arFixture(members []objfile.Member) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, m := range members {
		fmt.Fprintf(&buf, "%-16s%-12d%-6d%-6d%-8s%-10d`\n", m.Name, 0, 0, 0, "100644", len(m.Data))
		buf.Write(m.Data)
		if len(m.Data)%2 != 0 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

func TestBuildRelocatesObjects(t *testing.T) {
	syms := []macho.Symbol{
		oso("/build/main.o"),
		fun("_main", 0x100001130),
		// A symbol with no debug info at all; it must not disturb the rest.
		fun("_ghost", 0x100009000),
	}
	fs := map[string][]byte{
		"/build/main.o": []byte("obj:main"),
	}
	sessions := map[string]objfile.Session{
		"obj:main": fakeSession{fns: []objfile.Function{
			{
				Name: "main",
				Addr: 0x30,
				Size: 40,
				Lines: []objfile.Line{
					{Addr: 0x30, Line: 24, File: "/src/main.c"},
					{Addr: 0x3f, Line: 25, File: "/src/main.c"},
				},
			},
			// Dead-stripped by the linker, absent from the index.
			{Name: "unused", Addr: 0x90, Size: 8},
		}},
	}
	e := fakeEngine(fs, sessions, map[string]int{})

	table, err := e.build(syms, 0x100000000, macho.CpuAmd64)
	require.NoError(t, err)
	require.Equal(t, 1, table.NumFuncs())

	fn, ok := table.FuncAt(0x1135)
	require.True(t, ok)
	require.Equal(t, "main", fn.MangledName)
	require.Equal(t, uint64(0x1130), fn.Addr)

	ln, ok := fn.LineAt(0x1140)
	require.True(t, ok)
	require.Equal(t, uint32(25), ln.Line)
	require.Equal(t, uint64(0x113f), ln.Addr)
	require.Equal(t, "/src/main.c", table.PathOf(ln))
}

func TestBuildReadsArchiveOnce(t *testing.T) {
	syms := []macho.Symbol{
		oso("/build/libx.a(a.o)"),
		fun("_a1", 0x1000),
		oso("/build/libx.a(b.o)"),
		fun("_b1", 0x2000),
	}
	fs := map[string][]byte{
		"/build/libx.a": arFixture([]objfile.Member{
			{Name: "a.o", Data: []byte("obj:a")},
			{Name: "b.o", Data: []byte("obj:b")},
		}),
	}
	sessions := map[string]objfile.Session{
		"obj:a": fakeSession{fns: []objfile.Function{{Name: "a1", Addr: 0x10, Size: 16}}},
		"obj:b": fakeSession{fns: []objfile.Function{{Name: "b1", Addr: 0x20, Size: 16}}},
	}
	reads := map[string]int{}
	e := fakeEngine(fs, sessions, reads)

	table, err := e.build(syms, 0, macho.CpuAmd64)
	require.NoError(t, err)
	require.Equal(t, 1, reads["/build/libx.a"])
	require.Equal(t, 2, table.NumFuncs())

	fn, ok := table.FuncAt(0x1000)
	require.True(t, ok)
	require.Equal(t, "a1", fn.MangledName)

	fn, ok = table.FuncAt(0x2000)
	require.True(t, ok)
	require.Equal(t, "b1", fn.MangledName)
}

func TestBuildMissingFileAborts(t *testing.T) {
	syms := []macho.Symbol{
		oso("/build/gone.o"),
		fun("_main", 0x1130),
	}
	e := fakeEngine(map[string][]byte{}, nil, map[string]int{})

	table, err := e.build(syms, 0, macho.CpuAmd64)
	require.Nil(t, table)
	require.ErrorContains(t, err, "read debug info file `/build/gone.o` referenced by")
}

func TestBuildBadSessionAborts(t *testing.T) {
	syms := []macho.Symbol{
		oso("/build/main.o"),
		fun("_main", 0x1130),
	}
	fs := map[string][]byte{"/build/main.o": []byte("obj:main")}
	sessions := map[string]objfile.Session{
		"obj:main": fakeSession{err: errors.New("truncated DWARF")},
	}
	e := fakeEngine(fs, sessions, map[string]int{})

	table, err := e.build(syms, 0, macho.CpuAmd64)
	require.Nil(t, table)
	require.ErrorContains(t, err, "read debug info from `/build/main.o` referenced by")
	require.ErrorContains(t, err, "truncated DWARF")
}
