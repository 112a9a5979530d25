// Package storage defines the object store interface snapshot archives are
// written to.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is the interface for object storage backends.
type Backend interface {
	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. A missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns every object whose key starts with prefix, ordered
	// by key.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
