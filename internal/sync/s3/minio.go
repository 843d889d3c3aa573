// Package s3 provides the object-store client for photo binaries.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// Config holds connection settings for any S3-compatible endpoint
// (MinIO, R2, AWS).
type Config struct {
	Endpoint  string // host:port, no scheme
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Client implements sync.ObjectStore over an S3-compatible endpoint.
type Client struct {
	bucket string
	mc     *minio.Client
}

// NewClient creates a Client.
func NewClient(config *Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New(errors.ErrInvalid, "object store endpoint is required")
	}

	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store client: %w", err)
	}

	return &Client{bucket: config.Bucket, mc: mc}, nil
}

// Upload stores data under key.
func (c *Client) Upload(ctx context.Context, key string, data []byte) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Delete removes the object under key. Deleting a missing object is not
// an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// HealthCheckURL returns the liveness probe URL for a MinIO endpoint,
// suitable for the connectivity monitor's HTTP provider.
func HealthCheckURL(endpoint string, useSSL bool) string {
	base := endpoint
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if useSSL {
			base = "https://" + base
		} else {
			base = "http://" + base
		}
	}
	return strings.TrimSuffix(base, "/") + "/minio/health/live"
}
