// Package archive stores flushed audit batches as immutable artifacts. A
// batch is written once under a unique key and never rewritten; backends are
// selected by environment the same way as the persistence drivers.
package archive

import (
	"context"
	"errors"
	"time"
)

// Driver identifies an archive backend.
type Driver string

// Supported archive drivers.
const (
	// DriverMemory keeps artifacts in process memory. Test and dev only.
	DriverMemory Driver = "memory"
	// DriverFilesystem writes artifacts under a local root directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 writes artifacts to an S3-compatible bucket.
	DriverS3 Driver = "s3"
)

// ErrAlreadyExists is returned when a key is written twice.
var ErrAlreadyExists = errors.New("archive: key already exists")

// ErrNotFound is returned when a key has no artifact.
var ErrNotFound = errors.New("archive: key not found")

// Info describes one stored artifact.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the write-once artifact store. Put fails on an existing key;
// artifacts are never mutated in place.
type Store interface {
	Driver() Driver
	Put(ctx context.Context, key string, payload []byte, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, []byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
}
