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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Static archives (.a) bundle the object files that contributed to a link.
// The format is the BSD ar variant used by the Apple toolchain: a global
// magic, then per-member 60-byte headers. Member names longer than 16 bytes
// use the `#1/<len>` extension, with the name stored at the front of the
// member data.

const arHeaderSize = 60

var arMagic = []byte("!<arch>\n")

// Member is one archive member's name and contents.
type Member struct {
	Name string
	Data []byte
}

// IsArchive reports whether data begins with the ar global header.
func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, arMagic)
}

// ArchiveMembers enumerates every member of a static archive. Symbol table
// pseudo-members (__.SYMDEF and friends) are skipped.
func ArchiveMembers(data []byte) ([]Member, error) {
	if !IsArchive(data) {
		return nil, errors.New("not a static archive")
	}
	rest := data[len(arMagic):]

	var members []Member
	for len(rest) > 0 {
		if len(rest) < arHeaderSize {
			return nil, errors.New("truncated archive member header")
		}
		hdr := rest[:arHeaderSize]
		if hdr[58] != 0x60 || hdr[59] != 0x0a {
			return nil, errors.New("malformed archive member header")
		}
		name := strings.TrimRight(string(hdr[0:16]), " ")
		size, err := strconv.ParseInt(strings.TrimRight(string(hdr[48:58]), " "), 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed archive member size: %q", string(hdr[48:58]))
		}
		rest = rest[arHeaderSize:]
		if size > int64(len(rest)) {
			return nil, errors.New("truncated archive member")
		}
		body := rest[:size]

		// BSD extended name: `#1/<len>` with the real name prefixed to
		// the member data, NUL padded.
		if strings.HasPrefix(name, "#1/") {
			namelen, err := strconv.Atoi(name[3:])
			if err != nil || namelen < 0 || namelen > len(body) {
				return nil, fmt.Errorf("malformed extended member name: %q", name)
			}
			name = strings.TrimRight(string(body[:namelen]), "\x00")
			body = body[namelen:]
		}

		// Member data is 2-byte aligned.
		advance := size
		if advance%2 != 0 && advance < int64(len(rest)) {
			advance++
		}
		rest = rest[advance:]

		if strings.HasPrefix(name, "__.SYMDEF") {
			continue
		}
		members = append(members, Member{Name: name, Data: body})
	}
	return members, nil
}
