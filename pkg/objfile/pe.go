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
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
)

// A PE executable carries no line-level debug info itself; its debug
// directory names the companion PDB file. PDBInfo is that reference.
type PDBInfo struct {
	// File is the PDB path embedded at link time.
	File string
	// GUID and Age together form the PDB's debug identity.
	GUID [16]byte
	Age  uint32
}

const (
	imageDirectoryEntryDebug = 6
	debugTypeCodeView        = 2
	debugDirEntrySize        = 28
	rsdsMagic                = 0x53445352 // "RSDS", little-endian
)

// PEDebugInfo locates the CodeView (RSDS) record in a PE executable's debug
// directory and returns the companion PDB reference.
func PEDebugInfo(data []byte) (*PDBInfo, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse PE: %w", err)
	}

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes <= imageDirectoryEntryDebug {
			return nil, errors.New("no debug directory")
		}
		dir = oh.DataDirectory[imageDirectoryEntryDebug]
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes <= imageDirectoryEntryDebug {
			return nil, errors.New("no debug directory")
		}
		dir = oh.DataDirectory[imageDirectoryEntryDebug]
	default:
		return nil, errors.New("no optional header")
	}
	if dir.VirtualAddress == 0 || dir.Size < debugDirEntrySize {
		return nil, errors.New("no debug directory")
	}

	raw, err := readAtRVA(f, dir.VirtualAddress, dir.Size)
	if err != nil {
		return nil, fmt.Errorf("read debug directory: %w", err)
	}

	for off := uint32(0); off+debugDirEntrySize <= uint32(len(raw)); off += debugDirEntrySize {
		entry := raw[off : off+debugDirEntrySize]
		typ := binary.LittleEndian.Uint32(entry[12:16])
		if typ != debugTypeCodeView {
			continue
		}
		size := binary.LittleEndian.Uint32(entry[16:20])
		ptr := binary.LittleEndian.Uint32(entry[24:28])
		if uint64(ptr)+uint64(size) > uint64(len(data)) || size < 24 {
			return nil, errors.New("malformed CodeView entry")
		}
		return parseRSDS(data[ptr : ptr+size])
	}
	return nil, errors.New("no CodeView record in debug directory")
}

func parseRSDS(cv []byte) (*PDBInfo, error) {
	if binary.LittleEndian.Uint32(cv[0:4]) != rsdsMagic {
		return nil, errors.New("debug record is not RSDS")
	}
	info := &PDBInfo{}
	copy(info.GUID[:], cv[4:20])
	info.Age = binary.LittleEndian.Uint32(cv[20:24])
	name := cv[24:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	info.File = string(name)
	if info.File == "" {
		return nil, errors.New("RSDS record names no PDB file")
	}
	return info, nil
}

// readAtRVA reads size bytes at a virtual address by locating the section
// that maps it.
func readAtRVA(f *pe.File, rva, size uint32) ([]byte, error) {
	for _, sec := range f.Sections {
		if rva >= sec.VirtualAddress && rva+size <= sec.VirtualAddress+sec.VirtualSize {
			data, err := sec.Data()
			if err != nil {
				return nil, err
			}
			off := rva - sec.VirtualAddress
			if uint64(off)+uint64(size) > uint64(len(data)) {
				return nil, errors.New("section data truncated")
			}
			return data[off : off+size], nil
		}
	}
	return nil, errors.New("virtual address maps to no section")
}
