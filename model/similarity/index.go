// Copyright 2021 gorse Project Authors
//
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

package similarity

import (
	"encoding/binary"
	"io"

	"github.com/gorse-io/bookshelf/base/encoding"
	"github.com/juju/errors"
)

// NotId represents an ID doesn't exist.
const NotId = int32(-1)

// Index manages the map between book identifiers and matrix positions.
type Index struct {
	Numbers map[string]int32 // identifier -> position
	Names   []string         // position -> identifier
}

// NewIndex creates an Index from identifiers. Identifiers must be unique.
func NewIndex(names []string) (*Index, error) {
	idx := &Index{
		Numbers: make(map[string]int32, len(names)),
		Names:   make([]string, 0, len(names)),
	}
	for _, name := range names {
		if _, exist := idx.Numbers[name]; exist {
			return nil, errors.AlreadyExistsf("identifier %q", name)
		}
		idx.Numbers[name] = int32(len(idx.Names))
		idx.Names = append(idx.Names, name)
	}
	return idx, nil
}

// Len returns the number of indexed identifiers.
func (idx *Index) Len() int32 {
	if idx == nil {
		return 0
	}
	return int32(len(idx.Names))
}

// ToNumber converts an identifier to a position.
func (idx *Index) ToNumber(name string) int32 {
	if pos, exist := idx.Numbers[name]; exist {
		return pos
	}
	return NotId
}

// ToName converts a position to an identifier.
func (idx *Index) ToName(pos int32) string {
	return idx.Names[pos]
}

// Marshal index into byte stream.
func (idx *Index) Marshal(w io.Writer) error {
	// write length
	err := binary.Write(w, binary.LittleEndian, int32(len(idx.Names)))
	if err != nil {
		return errors.Trace(err)
	}
	// write names
	for _, s := range idx.Names {
		err = encoding.WriteString(w, s)
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Unmarshal index from byte stream.
func (idx *Index) Unmarshal(r io.Reader) error {
	// read length
	var n int32
	err := binary.Read(r, binary.LittleEndian, &n)
	if err != nil {
		return errors.Trace(err)
	}
	if n < 0 {
		return errors.NotValidf("index length %d", n)
	}
	// read names
	names := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		name, err := encoding.ReadString(r)
		if err != nil {
			return errors.Trace(err)
		}
		names = append(names, name)
	}
	loaded, err := NewIndex(names)
	if err != nil {
		return errors.Trace(err)
	}
	*idx = *loaded
	return nil
}
