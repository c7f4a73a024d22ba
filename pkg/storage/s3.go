package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditkeep/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/auditkeep/pkg/storage")

// S3FileStore keeps objects in an S3 (or MinIO) bucket
type S3FileStore struct {
	client  *s3.Client
	bucket  string
	prefix  string
	metrics *observability.Metrics
}

// NewS3FileStore connects to the configured bucket, creating it when missing.
// prefix is prepended to every key and may be empty.
func NewS3FileStore(ctx context.Context, cfg Config, prefix string, metrics *observability.Metrics) (*S3FileStore, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := createBucketIfNotExists(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return &S3FileStore{
		client:  client,
		bucket:  cfg.S3Bucket,
		prefix:  strings.Trim(prefix, "/"),
		metrics: metrics,
	}, nil
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

// Put uploads body under key with a sha256 checksum in the object metadata
func (c *S3FileStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (err error) {
	key = c.key(key)
	ctx, span := c.startSpan(ctx, "PutObject", key, attribute.String("content.type", contentType), attribute.Int64("content.size", size))
	start := time.Now()
	defer func() {
		c.metrics.StorageOperation("put", BackendS3, err, time.Since(start))
		endSpan(span, err)
	}()

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind content: %w", err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(h.Sum(nil)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to s3: %w", err)
	}
	return nil
}

// Open streams the object at key
func (c *S3FileStore) Open(ctx context.Context, key string) (_ io.ReadCloser, err error) {
	key = c.key(key)
	ctx, span := c.startSpan(ctx, "GetObject", key)
	start := time.Now()
	defer func() {
		c.metrics.StorageOperation("get", BackendS3, err, time.Since(start))
		endSpan(span, err)
	}()

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	if result.ContentLength != nil {
		span.SetAttributes(attribute.Int64("content.size", *result.ContentLength))
	}
	return result.Body, nil
}

// Delete removes key. S3 treats deleting a missing key as success.
func (c *S3FileStore) Delete(ctx context.Context, key string) (err error) {
	key = c.key(key)
	ctx, span := c.startSpan(ctx, "DeleteObject", key)
	start := time.Now()
	defer func() {
		c.metrics.StorageOperation("delete", BackendS3, err, time.Since(start))
		endSpan(span, err)
	}()

	_, err = c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Exists reports whether key is present
func (c *S3FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(key)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// HealthCheck verifies S3 connectivity
func (c *S3FileStore) HealthCheck(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (c *S3FileStore) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

func (c *S3FileStore) startSpan(ctx context.Context, op, key string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{
		attribute.String("s3.operation", op),
		attribute.String("s3.bucket", c.bucket),
		attribute.String("s3.key", key),
	}, extra...)
	return tracer.Start(ctx, "S3."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	return err != nil && (strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey"))
}

func isBucketAlreadyExistsError(err error) bool {
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &exists) || errors.As(err, &owned) {
		return true
	}
	return err != nil && (strings.Contains(err.Error(), "BucketAlreadyExists") || strings.Contains(err.Error(), "BucketAlreadyOwnedByYou"))
}
