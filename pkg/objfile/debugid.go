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
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// BreakpadID computes a binary's content-derived debug identifier in the
// breakpad textual form, which keys the symbol directory hierarchy:
//
//   - ELF: the first 16 bytes of the GNU build id, reinterpreted as a
//     little-endian GUID, with a "0" age appended.
//   - Mach-O: the LC_UUID bytes with a "0" age appended.
//   - PE: the RSDS GUID with the PDB age appended.
func BreakpadID(data []byte) (string, error) {
	switch f := Sniff(data); f {
	case FormatELF:
		id, err := elfBuildID(data)
		if err != nil {
			return "", err
		}
		var guid [16]byte
		copy(guid[:], id) // short build ids are zero padded
		return guidString(guid, true) + "0", nil
	case FormatMachO:
		mf, err := OpenMachO(data)
		if err != nil {
			return "", err
		}
		raw, err := machoUUID(mf)
		if err != nil {
			return "", err
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return "", fmt.Errorf("decode LC_UUID: %w", err)
		}
		var guid [16]byte
		copy(guid[:], id[:])
		return guidString(guid, false) + "0", nil
	case FormatPE:
		info, err := PEDebugInfo(data)
		if err != nil {
			return "", err
		}
		return guidString(info.GUID, true) + fmt.Sprintf("%x", info.Age), nil
	default:
		return "", fmt.Errorf("compute debug id of %s format file", f)
	}
}

// guidString renders 16 identifier bytes as breakpad does: the GUID fields in
// big-endian hex. On-disk GUIDs (PE) store the first three fields
// little-endian; build ids are reinterpreted the same way for compatibility
// with the breakpad tooling. Mach-O UUIDs are already big-endian.
func guidString(g [16]byte, mixedEndian bool) string {
	var d1 uint32
	var d2, d3 uint16
	if mixedEndian {
		d1 = binary.LittleEndian.Uint32(g[0:4])
		d2 = binary.LittleEndian.Uint16(g[4:6])
		d3 = binary.LittleEndian.Uint16(g[6:8])
	} else {
		d1 = binary.BigEndian.Uint32(g[0:4])
		d2 = binary.BigEndian.Uint16(g[4:6])
		d3 = binary.BigEndian.Uint16(g[6:8])
	}
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
		d1, d2, d3, g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}
