// Package storage talks to S3-compatible object storage (MinIO in
// development): checkpoint uploads and s3:// prompt sources.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrBadRef = errors.New("bad s3 ref")

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// New builds a client. An endpoint without a scheme is treated as plain
// HTTP, the way MinIO is usually exposed inside a compose network.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{s3: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: logger}, nil
}

// Key joins parts under the configured prefix.
func (c *Client) Key(parts ...string) string {
	return path.Join(append([]string{c.prefix}, parts...)...)
}

// Ref renders an s3:// reference for key in the client's bucket.
func (c *Client) Ref(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, key)
}

func (c *Client) PutJSON(ctx context.Context, key string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return c.Ref(key), nil
}

// UploadFile copies a local file to key.
func (c *Client) UploadFile(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read-only
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &c.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	c.log.Debug("uploaded object", "key", key, "bytes", st.Size())
	return c.Ref(key), nil
}

// Open streams the object behind an s3:// reference.
func (c *Client) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return out.Body, nil
}

// ParseRef splits s3://bucket/key.
func ParseRef(ref string) (string, string, error) {
	const p = "s3://"
	if !strings.HasPrefix(ref, p) {
		return "", "", fmt.Errorf("%w (missing s3://): %q", ErrBadRef, ref)
	}
	s := strings.TrimPrefix(ref, p)
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return "", "", fmt.Errorf("%w (need bucket/key): %q", ErrBadRef, ref)
	}
	return s[:slash], s[slash+1:], nil
}

// IsRef reports whether src names an object rather than a local path.
func IsRef(src string) bool { return strings.HasPrefix(src, "s3://") }

// OpenSource opens a local path or, when c is non-nil, an s3:// reference.
func OpenSource(ctx context.Context, src string, c *Client) (io.ReadCloser, error) {
	if !IsRef(src) {
		return os.Open(src)
	}
	if c == nil {
		return nil, fmt.Errorf("%s: object storage is not configured", src)
	}
	return c.Open(ctx, src)
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}
