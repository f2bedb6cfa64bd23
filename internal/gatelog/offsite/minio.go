// Package offsite copies exported backup files to an S3-compatible bucket.
package offsite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
	// Prefix is prepended to every object name.
	Prefix string
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("offsite: bucket is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.New("offsite: access and secret keys are required")
	}
	return nil
}

// Sink uploads and fetches backup files in one bucket.
type Sink struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New connects to the endpoint and creates the bucket if it does not exist.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("offsite: client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("offsite: bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("offsite: create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("offsite bucket created", "bucket", cfg.Bucket)
	}

	logger.Info("offsite sink ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// ObjectName joins the configured prefix and name.
func (s *Sink) ObjectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Upload stores data under name.
func (s *Sink) Upload(ctx context.Context, name string, data []byte) error {
	obj := s.ObjectName(name)
	info, err := s.client.PutObject(ctx, s.bucket, obj, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("offsite: upload %s: %w", obj, err)
	}
	s.logger.Debug("offsite upload", "object", obj, "etag", info.ETag, "bytes", info.Size)
	return nil
}

// List returns object names under the prefix, as passed to Upload.
func (s *Sink) List(ctx context.Context) ([]string, error) {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = strings.TrimSuffix(s.prefix, "/") + "/"
	}

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("offsite: list: %w", obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, opts.Prefix))
	}
	return names, nil
}

// Fetch opens the object stored under name.
func (s *Sink) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.ObjectName(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("offsite: fetch %s: %w", name, err)
	}
	return obj, nil
}
