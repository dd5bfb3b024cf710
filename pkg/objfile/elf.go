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
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// ELFSession opens a debug session over an ELF object carrying DWARF debug
// info.
func ELFSession(data []byte) (Session, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("read DWARF data: %w", err)
	}
	return newDwarfSession(d), nil
}

const ntGNUBuildID = 3

// elfBuildID extracts the GNU build id from the .note.gnu.build-id section.
func elfBuildID(data []byte) ([]byte, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil, errors.New("no .note.gnu.build-id section")
	}
	note, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read build-id note: %w", err)
	}
	return parseBuildIDNote(note, f.ByteOrder)
}

// parseBuildIDNote walks the ELF note entries looking for NT_GNU_BUILD_ID.
// Note name and descriptor are each padded to 4-byte alignment.
func parseBuildIDNote(note []byte, bo binary.ByteOrder) ([]byte, error) {
	for len(note) >= 12 {
		namesz := bo.Uint32(note[0:4])
		descsz := bo.Uint32(note[4:8])
		typ := bo.Uint32(note[8:12])
		note = note[12:]

		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(descEnd) > uint64(len(note)) {
			break
		}
		name := note[:namesz]
		desc := note[nameEnd : nameEnd+descsz]
		note = note[descEnd:]

		if typ == ntGNUBuildID && string(bytes.TrimRight(name, "\x00")) == "GNU" {
			return desc, nil
		}
	}
	return nil, errors.New("build id note entry not found")
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
