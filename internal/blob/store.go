// Package blob stores opaque files (downloaded images, model snapshots) in a
// local directory or an S3-compatible bucket.
package blob

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist. It matches
// os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store reads and writes whole named blobs. Names use forward slashes.
type Store interface {
	// Exists reports whether name is present.
	Exists(ctx context.Context, name string) (bool, error)
	// Get returns the full content of name, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put replaces name with data atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes name. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

// Copy streams r into name of s, reading at most limit bytes. It returns
// io.ErrShortBuffer when r holds more than limit bytes.
func Copy(ctx context.Context, s Store, name string, r io.Reader, limit int64) (int64, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return 0, err
	}
	if int64(len(data)) > limit {
		return 0, io.ErrShortBuffer
	}
	if err := s.Put(ctx, name, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
