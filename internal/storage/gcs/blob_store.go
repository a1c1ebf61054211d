// Package gcs provides a bundle backend on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore writes bundle objects to a configured GCS bucket. Objects become
// visible when the writer is closed; canceling the write context before Close
// abandons the upload.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Create opens a streaming object writer.
func (s *BlobStore) Create(ctx context.Context, key, contentType string) (io.WriteCloser, string, error) {
	if strings.TrimSpace(key) == "" {
		return nil, "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	return writer, fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Delete removes every object under prefix.
func (s *BlobStore) Delete(ctx context.Context, prefix string) error {
	if strings.TrimSpace(strings.Trim(prefix, "/")) == "" {
		return fmt.Errorf("prefix is required")
	}
	bkt := s.client.Bucket(s.bucket)
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	var errs []error
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if err := bkt.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("delete object %s: %w", attrs.Name, err))
		}
	}
	return errors.Join(errs...)
}
