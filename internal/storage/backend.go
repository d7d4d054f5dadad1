// Package storage defines the Backend interface the master uses to keep
// its saved namespace (the filelist) outside the process.
package storage

import (
	"context"
	"io"
	"io/fs"
)

// ErrNotFound is returned (wrapped) by GetObject when no object exists at
// key. Backends wrap fs.ErrNotExist so they need not import this package.
var ErrNotFound = fs.ErrNotExist

// Backend is the interface for object storage backends.
// Implementations handle raw object I/O only; the namespace format lives
// in the vfs package.
type Backend interface {
	// GetObject opens the object at key. Returns ErrNotFound (wrapped)
	// when it does not exist.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// PutObject replaces the object at key with body.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing objects are not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
