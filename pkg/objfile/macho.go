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
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

// Mach-O symbol table stab constants, from <mach-o/nlist.h> and
// <mach-o/stab.h>. The debug/macho package does not export them.
const (
	stabMask = 0xe0 // any of the N_STAB bits set means a debugging entry
	StabOSO  = 0x66 // object-source-origin: names the contributing .o/archive member
	StabFUN  = 0x24 // function name and address
)

// IsStab reports whether a symbol table entry is a debugging (stab) entry.
func IsStab(sym macho.Symbol) bool {
	return sym.Type&stabMask != 0
}

// IsOSO reports whether a stab entry names the object file or archive member
// that subsequent function symbols came from.
func IsOSO(sym macho.Symbol) bool {
	return IsStab(sym) && sym.Type == StabOSO
}

// IsFunStab reports whether a stab entry records a function's address. FUN
// entries with no section are end-of-function markers and carry no name.
func IsFunStab(sym macho.Symbol) bool {
	return IsStab(sym) && sym.Type == StabFUN && sym.Sect != 0
}

// hostCPU is the Mach-O CPU type matching this build's architecture. There is
// no reliable way to know which slice of a fat binary a stack frame came
// from, so the resolver's own architecture is the best-effort guess.
func hostCPU() macho.Cpu {
	switch runtime.GOARCH {
	case "amd64":
		return macho.CpuAmd64
	case "386":
		return macho.Cpu386
	case "arm64":
		return macho.CpuArm64
	default:
		return 0
	}
}

// OpenMachO parses a thin or fat Mach-O file. For fat binaries the slice
// matching this build's architecture is selected.
func OpenMachO(data []byte) (*macho.File, error) {
	return OpenMachOArch(data, hostCPU())
}

// OpenMachOArch is OpenMachO with an explicit target architecture, used when
// selecting archive members that must match a parent binary's slice.
func OpenMachOArch(data []byte, cpu macho.Cpu) (*macho.File, error) {
	if len(data) >= 4 {
		switch binary.BigEndian.Uint32(data) {
		case machoFatMagic, machoFatCigam:
			ff, err := macho.NewFatFile(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("parse fat binary: %w", err)
			}
			for _, arch := range ff.Arches {
				if arch.Cpu == cpu {
					return arch.File, nil
				}
			}
			return nil, fmt.Errorf("find %s code in the fat binary", runtime.GOARCH)
		}
	}
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse Mach-O: %w", err)
	}
	return f, nil
}

// MachOSession opens a debug session over a Mach-O object carrying DWARF
// debug info, selecting the given architecture for fat objects.
func MachOSession(data []byte, cpu macho.Cpu) (Session, error) {
	f, err := OpenMachOArch(data, cpu)
	if err != nil {
		return nil, err
	}
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("read DWARF data: %w", err)
	}
	return newDwarfSession(d), nil
}

// TextAddr returns the load address of the __TEXT segment, the base that raw
// symbol table values are relative to.
func TextAddr(f *macho.File) uint64 {
	if seg := f.Segment("__TEXT"); seg != nil {
		return seg.Addr
	}
	return 0
}

const lcUUID = 0x1b

// machoUUID extracts the LC_UUID load command's 16 identifier bytes.
func machoUUID(f *macho.File) ([]byte, error) {
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) >= 24 && f.ByteOrder.Uint32(raw[0:4]) == lcUUID {
			return raw[8:24], nil
		}
	}
	return nil, errors.New("no LC_UUID load command")
}
