// Copyright 2025 gorse Project Authors
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

package blob

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type POSIX struct {
	dir string
}

func NewPOSIX(dir string) *POSIX {
	return &POSIX{dir: dir}
}

// Open a file for reading.
func (p *POSIX) Open(name string) (io.ReadCloser, error) {
	fullPath := path.Join(p.dir, name)
	file, err := os.Open(fullPath)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("blob %s", fullPath)
	}
	return file, errors.Trace(err)
}

// Create a new file for writing. The content is written to a temporary file
// and renamed into place once the writer is closed.
func (p *POSIX) Create(name string) (io.WriteCloser, chan struct{}, error) {
	fullPath := path.Join(p.dir, name)
	if err := os.MkdirAll(path.Dir(fullPath), os.ModePerm); err != nil {
		return nil, nil, errors.Trace(err)
	}
	file, err := os.CreateTemp(path.Dir(fullPath), path.Base(fullPath)+".*.tmp")
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	w := newPipeWriter(func(r io.Reader) error {
		_, err := io.Copy(file, r)
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Rename(file.Name(), fullPath)
		}
		if err != nil {
			_ = os.Remove(file.Name())
			log.Logger().Error("failed to write to file", zap.String("file", fullPath), zap.Error(err))
		}
		return err
	})
	return w, w.done, nil
}

func (p *POSIX) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(p.dir, func(fullPath string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasSuffix(fullPath, ".tmp") {
			return nil
		}
		name, err := filepath.Rel(p.dir, fullPath)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(name))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return names, errors.Trace(err)
}

func (p *POSIX) Remove(name string) error {
	return errors.Trace(os.Remove(path.Join(p.dir, name)))
}
