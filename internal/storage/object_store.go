package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

const s3Scheme = "s3://"

// URI formats a bucket and key as s3://bucket/key.
func URI(bucket, key string) string {
	return s3Scheme + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseURI splits s3://bucket/key into its bucket and key. The key may be empty.
func ParseURI(uri string) (string, string, error) {
	if !strings.HasPrefix(uri, s3Scheme) {
		return "", "", fmt.Errorf("invalid s3 uri '%s': must start with %s", uri, s3Scheme)
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(uri, s3Scheme), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid s3 uri '%s': missing bucket", uri)
	}

	return bucket, key, nil
}
