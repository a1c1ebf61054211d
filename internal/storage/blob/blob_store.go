// Package blob provides a bundle backend over gocloud.dev buckets
// (s3://, file://, mem://).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Config describes the bucket to open.
type Config struct {
	// URL is a gocloud bucket URL, e.g. s3://bucket?region=us-east-1.
	URL string `mapstructure:"url"`
	// Endpoint and Region are folded into s3:// URLs for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
}

// BlobStore writes bundle objects to a gocloud bucket.
type BlobStore struct {
	bucket *blob.Bucket
	base   string
}

// Open opens the bucket described by cfg.
func Open(ctx context.Context, cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("bucket url is required")
	}
	bucketURL, err := withS3Params(cfg)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.URL, err)
	}
	return &BlobStore{bucket: bucket, base: baseURI(cfg.URL)}, nil
}

// NewFromBucket wraps an already opened bucket.
func NewFromBucket(bucket *blob.Bucket, base string) *BlobStore {
	return &BlobStore{bucket: bucket, base: strings.TrimSuffix(base, "/")}
}

// Create opens a streaming writer; the object is committed on Close.
func (s *BlobStore) Create(ctx context.Context, key, contentType string) (io.WriteCloser, string, error) {
	if strings.TrimSpace(key) == "" {
		return nil, "", errors.New("key is required")
	}
	opts := &blob.WriterOptions{ContentType: contentType}
	if contentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return nil, "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	return w, s.base + "/" + key, nil
}

// Delete removes every object under prefix.
func (s *BlobStore) Delete(ctx context.Context, prefix string) error {
	if strings.TrimSpace(strings.Trim(prefix, "/")) == "" {
		return errors.New("prefix is required")
	}
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var errs []error
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", obj.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether key is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// ReadAll returns the content of key.
func (s *BlobStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return s.bucket.ReadAll(ctx, key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func withS3Params(cfg Config) (string, error) {
	if !strings.HasPrefix(cfg.URL, "s3://") || (cfg.Endpoint == "" && cfg.Region == "") {
		return cfg.URL, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse bucket url: %w", err)
	}
	params := u.Query()
	if cfg.Region != "" {
		params.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		params.Set("endpoint", cfg.Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func baseURI(raw string) string {
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSuffix(raw, "/")
}
