// Copyright 2022 gorse Project Authors
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

package encoding

import (
	"encoding/binary"
	"io"
	"strconv"

	"github.com/juju/errors"
)

// maxBytesLength bounds a length prefix so that a corrupted stream cannot
// trigger a huge allocation.
const maxBytesLength = 1 << 24

// WriteFloat32s writes a vector to byte stream.
func WriteFloat32s(w io.Writer, v []float32) error {
	return errors.Trace(binary.Write(w, binary.LittleEndian, v))
}

// ReadFloat32s fills a vector from byte stream.
func ReadFloat32s(r io.Reader, v []float32) error {
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Trace(io.ErrUnexpectedEOF)
		}
		return errors.Trace(err)
	}
	return nil
}

// WriteUint32 writes an unsigned integer to byte stream.
func WriteUint32(w io.Writer, v uint32) error {
	return errors.Trace(binary.Write(w, binary.LittleEndian, v))
}

// ReadUint32 reads an unsigned integer from byte stream.
func ReadUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, errors.Trace(err)
}

// WriteString writes string to byte stream.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// ReadString reads string from byte stream.
func ReadString(r io.Reader) (string, error) {
	data, err := ReadBytes(r)
	return string(data), err
}

// WriteBytes writes bytes to byte stream.
func WriteBytes(w io.Writer, s []byte) error {
	err := binary.Write(w, binary.LittleEndian, int32(len(s)))
	if err != nil {
		return errors.Trace(err)
	}
	n, err := w.Write(s)
	if err != nil {
		return errors.Trace(err)
	} else if n != len(s) {
		return errors.New("fail to write string")
	}
	return nil
}

// ReadBytes reads bytes from byte stream.
func ReadBytes(r io.Reader) ([]byte, error) {
	var length int32
	err := binary.Read(r, binary.LittleEndian, &length)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if length < 0 || length > maxBytesLength {
		return nil, errors.NotValidf("string length %d", length)
	}
	data := make([]byte, length)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, errors.Annotate(err, "fail to read string")
	}
	return data, nil
}

func FormatFloat32(val float32) string {
	return strconv.FormatFloat(float64(val), 'f', -1, 32)
}
