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
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/gorse-io/bookshelf/base/encoding"
	"github.com/gorse-io/bookshelf/storage/blob"
	"github.com/juju/errors"
)

const (
	magic         = "BKSM"
	formatVersion = uint32(1)
)

// Score is the similarity between the row book and the book at Position.
type Score struct {
	Position int32
	Value    float32
}

// Store is a read-only item-item similarity index.
type Store interface {
	// Position returns the position of a book. Surrounding whitespace is
	// ignored. It returns a not-found error if the book is not indexed.
	Position(id string) (int32, error)
	// Row returns the scores against every position, in position order.
	Row(pos int32) []Score
	// Id returns the identifier at a position.
	Id(pos int32) string
	// Len returns the number of indexed books.
	Len() int32
}

// Dense is an in-memory square similarity matrix stored row-major.
// It is immutable after construction and safe for concurrent reads.
type Dense struct {
	index  *Index
	values []float32
}

// NewDense creates a similarity matrix from identifiers and rows.
func NewDense(ids []string, rows [][]float32) (*Dense, error) {
	if len(rows) != len(ids) {
		return nil, errors.NotValidf("%d rows for %d identifiers", len(rows), len(ids))
	}
	index, err := NewIndex(ids)
	if err != nil {
		return nil, errors.Trace(err)
	}
	values := make([]float32, 0, len(ids)*len(ids))
	for i, row := range rows {
		if len(row) != len(ids) {
			return nil, errors.NotValidf("row %d of length %d in %d x %d matrix", i, len(row), len(ids), len(ids))
		}
		values = append(values, row...)
	}
	return &Dense{index: index, values: values}, nil
}

func (d *Dense) Position(id string) (int32, error) {
	pos := d.index.ToNumber(strings.TrimSpace(id))
	if pos == NotId {
		return NotId, errors.NotFoundf("book %q in similarity index", strings.TrimSpace(id))
	}
	return pos, nil
}

func (d *Dense) Row(pos int32) []Score {
	n := d.index.Len()
	begin, end := rowBounds(pos, n)
	row := d.values[begin:end]
	scores := make([]Score, n)
	for i, value := range row {
		scores[i] = Score{Position: int32(i), Value: value}
	}
	return scores
}

// rowBounds returns the range of a row in the flattened matrix. pos*n
// overflows int32 past 46340 books.
func rowBounds(pos, n int32) (int, int) {
	begin := int(pos) * int(n)
	return begin, begin + int(n)
}

func (d *Dense) Id(pos int32) string {
	return d.index.ToName(pos)
}

func (d *Dense) Len() int32 {
	return d.index.Len()
}

// Ids returns identifiers in position order.
func (d *Dense) Ids() []string {
	return d.index.Names
}

// Marshal writes the matrix in the artifact format.
func (d *Dense) Marshal(w io.Writer) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteUint32(w, formatVersion); err != nil {
		return errors.Trace(err)
	}
	if err := d.index.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	return encoding.WriteFloat32s(w, d.values)
}

// Unmarshal reads a matrix in the artifact format.
func Unmarshal(r io.Reader) (*Dense, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Annotate(err, "failed to read artifact header")
	}
	if !bytes.Equal(header, []byte(magic)) {
		return nil, errors.NotValidf("artifact magic %q", header)
	}
	version, err := encoding.ReadUint32(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if version != formatVersion {
		return nil, errors.NotSupportedf("artifact version %d", version)
	}
	d := &Dense{index: new(Index)}
	if err = d.index.Unmarshal(r); err != nil {
		return nil, errors.Trace(err)
	}
	n := int(d.index.Len())
	d.values = make([]float32, n*n)
	if err = encoding.ReadFloat32s(r, d.values); err != nil {
		return nil, errors.Annotate(err, "failed to read similarity matrix")
	}
	return d, nil
}

// Load reads the artifact from a blob store.
func Load(store blob.Store, name string) (*Dense, error) {
	r, err := store.Open(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	d, err := Unmarshal(bufio.NewReader(r))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load %s", name)
	}
	return d, nil
}

// Save writes the artifact to a blob store.
func Save(store blob.Store, name string, d *Dense) error {
	w, done, err := store.Create(name)
	if err != nil {
		return errors.Trace(err)
	}
	buf := bufio.NewWriter(w)
	if err = d.Marshal(buf); err != nil {
		_ = w.Close()
		return errors.Trace(err)
	}
	if err = buf.Flush(); err != nil {
		_ = w.Close()
		return errors.Trace(err)
	}
	if err = w.Close(); err != nil {
		return errors.Trace(err)
	}
	<-done
	return nil
}
