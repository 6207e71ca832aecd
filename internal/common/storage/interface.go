package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store used for operational archives.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, opts PutOptions) error

	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and metadata for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// ListObjects lists keys under prefix, recursively.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// PutOptions carries object metadata.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one listing entry.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
}
