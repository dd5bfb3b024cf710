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

// Package objfile is the object and debug-info parsing layer: it sniffs file
// formats, opens debug sessions over ELF and Mach-O objects, extracts the
// companion PDB reference from PE executables, enumerates static-archive
// members, and computes content-derived debug ids.
package objfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format identifies one of the supported file representations, sniffed from
// a file's leading bytes.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
	FormatPDB
	FormatMachO
	FormatBreakpad
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatPE:
		return "PE"
	case FormatPDB:
		return "PDB"
	case FormatMachO:
		return "Mach-O"
	case FormatBreakpad:
		return "breakpad"
	default:
		return "unknown"
	}
}

var (
	elfMagic = []byte("\x7fELF")
	peMagic  = []byte("MZ")
	pdbMagic = []byte("Microsoft C/C++ MSF 7.00")
	bpMagic  = []byte("MODULE ")
)

// Mach-O magic numbers, thin (both endiannesses) and fat.
const (
	machoMagic32  = 0xfeedface
	machoMagic64  = 0xfeedfacf
	machoCigam32  = 0xcefaedfe
	machoCigam64  = 0xcffaedfe
	machoFatMagic = 0xcafebabe
	machoFatCigam = 0xbebafeca
)

// Sniff reports the format of a file from its leading bytes.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return FormatELF
	case bytes.HasPrefix(data, pdbMagic):
		return FormatPDB
	case bytes.HasPrefix(data, bpMagic):
		return FormatBreakpad
	case bytes.HasPrefix(data, peMagic):
		return FormatPE
	}
	if len(data) >= 4 {
		switch binary.BigEndian.Uint32(data) {
		case machoMagic32, machoMagic64, machoCigam32, machoCigam64,
			machoFatMagic, machoFatCigam:
			return FormatMachO
		}
	}
	return FormatUnknown
}

// Line is one source line record reported by a debug session.
type Line struct {
	Addr uint64
	Line uint32
	File string
}

// Function is one function's debug info as reported by a debug session.
// Addresses are in the debug source's own address space.
type Function struct {
	Name  string // mangled
	Addr  uint64
	Size  uint64
	Lines []Line
}

// Session enumerates the functions of one parsed object.
type Session interface {
	Functions() ([]Function, error)
}

// OpError describes a failed operation with a human-readable label ("read",
// "parse", "find debug info file for", ...) and an optional cause, so the
// boundary can render "failed to <op chain> `<file reference>`". The
// distinction between expected, harmless conditions and genuine failures is
// carried by sentinel causes, not by the label.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Errorf builds an OpError from a formatted operation label.
func Errorf(err error, format string, args ...any) error {
	return &OpError{Op: fmt.Sprintf(format, args...), Err: err}
}
