// Package delivery moves captured frames off the node and reads/writes the
// remote flag that drives pull triggers.
package delivery

import (
	"context"
	"time"
)

// Client is the remote object and document store.
//
// Calls are synchronous and last-writer-wins. PutObject and SetFlag are not
// transactional with each other.
type Client interface {
	PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (ObjectMeta, error)
	GetFlag(ctx context.Context, collection, document, field string) (bool, error)
	SetFlag(ctx context.Context, collection, document, field string, value bool) error
}

// ObjectMeta describes a stored object as reported by the backend
type ObjectMeta struct {
	Name        string
	Bucket      string
	ContentType string
	Size        int64
	Generation  string
	MD5Hash     string
	ETag        string
	DownloadURL string
	// Digest is the local blake3 digest of the uploaded bytes
	Digest  string
	Created time.Time
}

// Attempt tracks a single delivery
type Attempt struct {
	Bucket   string
	Path     string
	Size     int
	Attempts int
	LastErr  error
	Started  time.Time
}
