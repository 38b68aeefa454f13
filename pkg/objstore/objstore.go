// Package objstore reads and writes export documents at a location: a local
// path, "-" for stdin/stdout, or a gs://bucket/object URI.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

const gcsScheme = "gs://"

// ParseGSURI splits gs://bucket/path/to/object into bucket and object name.
func ParseGSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("gs uri %q must name a bucket and an object", uri)
	}
	return bucket, object, nil
}

// IsGCS reports whether location points at Cloud Storage.
func IsGCS(location string) bool {
	return strings.HasPrefix(location, gcsScheme)
}

// Store opens locations for reading and writing.
type Store struct {
	gcs    *storage.Client
	stdin  io.Reader
	stdout io.Writer
}

// New returns a store that lazily creates a Cloud Storage client the first
// time a gs:// location is used.
func New(stdin io.Reader, stdout io.Writer) *Store {
	return &Store{stdin: stdin, stdout: stdout}
}

func (s *Store) client(ctx context.Context) (*storage.Client, error) {
	if s.gcs != nil {
		return s.gcs, nil
	}
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	s.gcs = c
	return c, nil
}

// Close releases the Cloud Storage client, if one was created.
func (s *Store) Close() error {
	if s.gcs == nil {
		return nil
	}
	return s.gcs.Close()
}

// ReadAll returns the content at location, reading at most limit bytes when
// limit is positive.
func (s *Store) ReadAll(ctx context.Context, location string, limit int64) ([]byte, error) {
	var r io.Reader
	switch {
	case location == "-":
		r = s.stdin
	case IsGCS(location):
		bucket, object, err := ParseGSURI(location)
		if err != nil {
			return nil, err
		}
		c, err := s.client(ctx)
		if err != nil {
			return nil, err
		}
		gr, err := c.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("open GCS object reader: %w", err)
		}
		defer gr.Close()
		r = gr
	default:
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open file %q: %w", location, err)
		}
		defer f.Close()
		r = f
	}

	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", location, limit)
	}
	return data, nil
}

// WriteAll stores data at location. Local files are written to a temporary
// sibling and renamed into place.
func (s *Store) WriteAll(ctx context.Context, location string, data []byte) error {
	switch {
	case location == "-":
		_, err := s.stdout.Write(data)
		return err
	case IsGCS(location):
		bucket, object, err := ParseGSURI(location)
		if err != nil {
			return err
		}
		c, err := s.client(ctx)
		if err != nil {
			return err
		}
		w := c.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("write GCS object: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalize upload: %w", err)
		}
		return nil
	default:
		return writeFile(location, data)
	}
}

func writeFile(location string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(location), "."+filepath.Base(location)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmp.Name()))
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %q: %w", location, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", location, err)
	}
	if err = os.Rename(tmp.Name(), location); err != nil {
		return fmt.Errorf("rename into %q: %w", location, err)
	}
	return nil
}
