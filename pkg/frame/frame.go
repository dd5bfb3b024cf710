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

// Package frame recognizes and rewrites stack frame lines of the form
// produced by MozFormatCodeAddress:
//
//	PID 12345 | #01: ??? [libxul.so +0x3e8a9f3]
//
// Everything around the frame is preserved; only the function name and
// location are rewritten.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mozilla/fix-stacks/pkg/fixer"
)

// frameRE captures prefix, function name, file reference, hex address and
// suffix of a frame line.
var frameRE = regexp.MustCompile(`^(.*#\d+: )(.+)\[(.+) \+0x([0-9A-Fa-f]+)\](.*)$`)

// Resolver resolves one (file reference, address) pair.
type Resolver interface {
	ResolveFrame(path string, addr uint64) fixer.Result
}

// Options selects the input and output dialect.
type Options struct {
	// JSON treats each line as a fragment of a JSON string: file references
	// are unescaped before lookup, and rewritten text is re-escaped.
	JSON bool
	// Breakpad renders locations in square brackets and strips the VCS
	// wrapper breakpad symbol files carry around source paths. Used when
	// symbols come from a breakpad symbols directory.
	Breakpad bool
}

// Fixer rewrites frame lines using a Resolver. Lines that are not frames
// pass through untouched.
type Fixer struct {
	resolver Resolver
	opts     Options
	lb, rb   string
}

func New(resolver Resolver, opts Options) *Fixer {
	lb, rb := "(", ")"
	if opts.Breakpad {
		lb, rb = "[", "]"
	}
	return &Fixer{resolver: resolver, opts: opts, lb: lb, rb: rb}
}

// Fix rewrites one line. Input fragments reused in the output (the original
// function name and file reference) are already escaped in JSON mode, so
// only newly produced text is escaped.
func (f *Fixer) Fix(line string) string {
	m := frameRE.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	before, inFunc, inFile, after := m[1], m[2], m[3], m[5]
	addr, err := strconv.ParseUint(m[4], 16, 64)
	if err != nil {
		return line
	}

	path := inFile
	if f.opts.JSON {
		path = jsonUnescape(inFile)
	}

	res := f.resolver.ResolveFrame(path, addr)
	if !res.FoundFunc {
		// Nothing known about this address. The output is the original
		// frame in the output format.
		return fmt.Sprintf("%s%s %s%s + 0x%x%s%s", before, inFunc, f.lb, inFile, addr, f.rb, after)
	}

	name := res.Name
	if f.opts.JSON {
		name = jsonEscape(name)
	}
	if !res.FoundLine {
		return fmt.Sprintf("%s%s %s%s + 0x%x%s%s", before, name, f.lb, inFile, addr, f.rb, after)
	}

	file := res.File
	if f.opts.JSON {
		file = jsonEscape(file)
	}
	if f.opts.Breakpad {
		if stripped, ok := stripVCSWrapper(file); ok {
			file = stripped
		}
	}
	return fmt.Sprintf("%s%s %s%s:%d%s%s", before, name, f.lb, file, res.Line, f.rb, after)
}

// jsonEscape escapes a fragment for inclusion in a JSON string, without the
// surrounding quotes.
func jsonEscape(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return s
	}
	out := buf.String()
	// Strip the quotes and the encoder's trailing newline.
	return out[1 : len(out)-2]
}

// jsonUnescape undoes jsonEscape. A fragment that does not decode is
// returned as is; the lookup will then fail and the frame pass through.
func jsonUnescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// stripVCSWrapper reduces the source path form used in Firefox breakpad
// symbol files,
//
//	hg:hg.mozilla.org/mozilla-central:caps/BasePrincipal.cpp:<40-hex-rev>
//
// to the bare path. Paths containing a colon defeat the split and are left
// alone, which is still a reasonable outcome.
func stripVCSWrapper(file string) (string, bool) {
	parts := strings.Split(file, ":")
	if len(parts) != 4 {
		return "", false
	}
	if parts[0] != "hg" || !strings.HasPrefix(parts[1], "hg.mozilla.org") {
		return "", false
	}
	rev := parts[3]
	if len(rev) != 40 {
		return "", false
	}
	for _, c := range rev {
		if !isHexDigit(c) {
			return "", false
		}
	}
	return parts[2], true
}

func isHexDigit(c rune) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
