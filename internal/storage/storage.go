// Package storage defines where exported artifacts are written. The local
// store backs the output files; the GCS store mirrors them to a bucket.
package storage

import (
	"context"
	"io"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpStore discards everything. It stands in when uploads are disabled.
type NoOpStore struct{}

// PutObject drains nothing and returns an empty URI.
func (NoOpStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}
