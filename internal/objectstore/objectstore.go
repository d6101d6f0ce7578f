// Package objectstore wraps the S3-compatible bucket holding raw uploads and
// finished HLS assets. Transient request failures are retried with bounded
// backoff before they surface to the pipeline.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the contract the pipeline and lifecycle manager consume. Tests
// substitute an in-memory fake.
type Store interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PutFile(ctx context.Context, key, path, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	Download(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config holds the connection settings for the S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

const (
	putAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// Client is the minio-backed Store implementation. One bucket holds every
// tenant; tenant namespacing happens in object keys.
type Client struct {
	mc     *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

// New constructs a Client from the Config.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("object storage endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{mc: mc, bucket: cfg.Bucket, region: cfg.Region, logger: logger}, nil
}

// EnsureBucket creates the backing bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", c.bucket, err)
	}
	return nil
}

// withRetry runs op up to putAttempts times with exponential backoff. Context
// cancellation stops the retry loop immediately.
func (c *Client) withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= putAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == putAttempts {
			break
		}
		delay := retryBackoff << (attempt - 1)
		c.logger.Warn("object storage operation failed, retrying",
			"operation", what, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", what, putAttempts, err)
}

func (c *Client) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	// Streams are not rewindable, so Put gets a single attempt; callers with
	// a file on disk should use PutFile for retries.
	_, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (c *Client) PutFile(ctx context.Context, key, path, contentType string) error {
	return c.withRetry(ctx, "put "+key, func() error {
		_, err := c.mc.FPutObject(ctx, c.bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
		return err
	})
}

func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

func (c *Client) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, fmt.Errorf("range for object %s: %w", key, err)
	}
	obj, err := c.mc.GetObject(ctx, c.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

func (c *Client) Download(ctx context.Context, key, path string) error {
	return c.withRetry(ctx, "download "+key, func() error {
		return c.mc.FGetObject(ctx, c.bucket, key, path, minio.GetObjectOptions{})
	})
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.withRetry(ctx, "delete "+key, func() error {
		return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	})
}

// DeletePrefix removes every object under the prefix and reports how many
// were deleted. A partial failure aborts with the first error so the caller
// can leave its metadata row in place and retry on the next sweep.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if err := c.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	for object := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list prefix %s: %w", prefix, object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

var _ Store = (*Client)(nil)
