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

// Package breakpad reads the externally-generated, line-oriented symbol
// table format and locates symbol files in the directory hierarchy the
// symbol-generation tooling maintains.
package breakpad

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mozilla/fix-stacks/pkg/addrtable"
)

// ErrNoSymbols marks the expected, harmless condition of a symbol file that
// is absent or unreadable; callers fall back to loading the binary natively.
var ErrNoSymbols = errors.New("no breakpad symbols")

// SymbolPath computes the expected symbol file path for a binary:
// <symsDir>/<db-seg>/<debugID>/<sym-seg>.
//
// For `bin/libxul.so` that is `syms/libxul.so/<id>/libxul.so.sym`; Windows
// executables substitute the platform suffix, so `bin/xul.dll` becomes
// `syms/xul.pdb/<id>/xul.sym`.
func SymbolPath(symsDir, binPath, debugID string) string {
	base := filepath.Base(binPath)
	isWin := strings.HasSuffix(base, ".dll") || strings.HasSuffix(base, ".exe")
	if isWin {
		base = base[:len(base)-4]
	}
	dbSeg := base
	if isWin {
		dbSeg += ".pdb"
	}
	return filepath.Join(symsDir, dbSeg, debugID, base+".sym")
}

// ModuleID extracts the debug id from the MODULE record of a symbol file:
// `MODULE <os> <arch> <id> <name>`.
func ModuleID(data []byte) (string, error) {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 5 || fields[0] != "MODULE" {
		return "", errors.New("no MODULE record")
	}
	return fields[3], nil
}

// Parse reads a symbol file into b. Records handled:
//
//	MODULE <os> <arch> <id> <name>
//	FILE <number> <path>
//	FUNC [m] <addr> <size> [<param-size>] <name with spaces>
//	LINE <addr> <line> <path>
//	<addr> <size> <line> <filenum>   (line record bound to the previous FUNC)
//
// PUBLIC, INFO and STACK records carry no line-level info and are skipped.
// Line records appearing before any FUNC are skipped. Unparsable records are
// an error: a corrupt symbol file should fall back rather than half-load.
func Parse(data []byte, b *addrtable.Builder) error {
	files := map[int]string{}

	var cur *funcRecord
	flush := func() {
		if cur != nil {
			b.AddFunc(cur.name, cur.addr, cur.size, 0, cur.lines)
			cur = nil
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "MODULE", "PUBLIC", "INFO", "STACK":
			// No line-level info.
		case "FILE":
			if len(fields) < 3 {
				return recordErr(lineno, line)
			}
			num, err := strconv.Atoi(fields[1])
			if err != nil {
				return recordErr(lineno, line)
			}
			// Paths may contain spaces.
			files[num] = strings.SplitN(line, " ", 3)[2]
		case "FUNC":
			flush()
			fr, err := parseFunc(fields, len(files) > 0)
			if err != nil {
				return recordErr(lineno, line)
			}
			cur = fr
		case "LINE":
			if cur == nil {
				continue
			}
			if len(fields) < 4 {
				return recordErr(lineno, line)
			}
			addr, err1 := parseHex(fields[1])
			ln, err2 := strconv.ParseUint(fields[2], 10, 32)
			if err1 != nil || err2 != nil {
				return recordErr(lineno, line)
			}
			cur.lines = append(cur.lines, addrtable.SourceLine{
				Addr: addr,
				Line: uint32(ln),
				Path: strings.SplitN(line, " ", 4)[3],
			})
		default:
			// Bare line record: <addr> <size> <line> <filenum>.
			if cur == nil {
				continue
			}
			if len(fields) != 4 {
				return recordErr(lineno, line)
			}
			addr, err1 := parseHex(fields[0])
			ln, err2 := strconv.ParseUint(fields[2], 10, 32)
			filenum, err3 := strconv.Atoi(fields[3])
			if err1 != nil || err2 != nil || err3 != nil {
				return recordErr(lineno, line)
			}
			cur.lines = append(cur.lines, addrtable.SourceLine{
				Addr: addr,
				Line: uint32(ln),
				Path: files[filenum],
			})
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan symbol file: %w", err)
	}
	flush()
	return nil
}

type funcRecord struct {
	name  string
	addr  uint64
	size  uint64
	lines []addrtable.SourceLine
}

// parseFunc handles `FUNC [m] <addr> <size> [<param-size>] <name>`. The name
// may contain spaces, so the parameter-size field cannot be told apart from a
// hex-looking name token by inspection. dump_syms output always declares FILE
// records before any FUNC and always writes a parameter size; the inline-path
// LINE dialect has neither. hasParamSize carries that distinction.
func parseFunc(fields []string, hasParamSize bool) (*funcRecord, error) {
	rest := fields[1:]
	if len(rest) > 0 && rest[0] == "m" {
		rest = rest[1:]
	}
	want := 3
	if hasParamSize {
		want = 4
	}
	if len(rest) < want {
		return nil, errors.New("too few FUNC fields")
	}
	addr, err := parseHex(rest[0])
	if err != nil {
		return nil, err
	}
	size, err := parseHex(rest[1])
	if err != nil {
		return nil, err
	}
	nameFields := rest[2:]
	if hasParamSize {
		if _, err := parseHex(rest[2]); err != nil {
			return nil, err
		}
		nameFields = rest[3:]
	}
	return &funcRecord{
		name: strings.Join(nameFields, " "),
		addr: addr,
		size: size,
	}, nil
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func recordErr(lineno int, line string) error {
	return fmt.Errorf("malformed symbol record at line %d: %q", lineno, line)
}
