// Copyright 2024 gorse Project Authors
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

	"github.com/gorse-io/bookshelf/config"
	"github.com/juju/errors"
)

// Store keeps model artifacts.
type Store interface {
	// Open a blob for reading.
	Open(name string) (io.ReadCloser, error)
	// Create a blob for writing. The done channel is closed once the content
	// is persisted. Close on the writer waits for persistence and reports
	// upload failures.
	Create(name string) (io.WriteCloser, chan struct{}, error)
	// List names of all blobs.
	List() ([]string, error)
	// Remove a blob.
	Remove(name string) error
}

// Open creates the blob store selected by the configuration.
func Open(cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case config.BlobPOSIX:
		return NewPOSIX(cfg.POSIX.Dir), nil
	case config.BlobS3:
		return NewS3(cfg.S3)
	case config.BlobGCS:
		return NewGCS(cfg.GCS)
	case config.BlobAzure:
		return NewAzureBlob(cfg.Azure, cfg.Azure.Container, cfg.Azure.Prefix)
	default:
		return nil, errors.NotSupportedf("blob store %q", cfg.Type)
	}
}

// pipeWriter feeds a background upload through a pipe.
type pipeWriter struct {
	*io.PipeWriter
	done chan struct{}
	err  error
}

func newPipeWriter(upload func(r io.Reader) error) *pipeWriter {
	pr, pw := io.Pipe()
	w := &pipeWriter{PipeWriter: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = upload(pr)
		// unblock pending writes if the upload stopped early
		_ = pr.CloseWithError(errors.Annotate(w.err, "upload aborted"))
	}()
	return w
}

func (w *pipeWriter) Close() error {
	if err := w.PipeWriter.Close(); err != nil {
		return errors.Trace(err)
	}
	<-w.done
	return errors.Trace(w.err)
}
