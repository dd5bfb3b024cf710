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

// Package intern deduplicates repeated strings. Source file paths in debug
// info are heavily repeated, so storing each distinct path once reduces peak
// memory usage significantly.
package intern

// ID is an opaque handle to a string held by an Interner. IDs are plain
// integers and are only meaningful to the Interner that issued them; never
// persist them or compare IDs from different instances.
type ID int

// Interner maps strings to IDs and back. Each distinct string value has
// exactly one ID within an instance. The zero value is not usable, call New.
type Interner struct {
	ids     map[string]ID
	strings []string
}

func New() *Interner {
	return &Interner{ids: make(map[string]ID)}
}

// Intern returns the existing ID if s was seen before, otherwise it stores s
// and allocates a new ID.
func (in *Interner) Intern(s string) ID {
	if id, ok := in.ids[s]; ok {
		return id
	}
	id := ID(len(in.strings))
	in.strings = append(in.strings, s)
	in.ids[s] = id
	return id
}

// Resolve returns the string for an ID issued by this Interner.
func (in *Interner) Resolve(id ID) string {
	return in.strings[id]
}

// Len returns the number of distinct strings interned so far.
func (in *Interner) Len() int {
	return len(in.strings)
}
