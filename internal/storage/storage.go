package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/crochetai/backend/internal/config"
	"github.com/crochetai/backend/internal/db"
	apperrors "github.com/crochetai/backend/internal/errors"
)

// ============================================================================
// Bucket client (minio-go) - bucket lifecycle and readiness
// ============================================================================

// BucketClient manages the archive bucket itself.
type BucketClient struct {
	client *minio.Client
	bucket string
}

// NewBucketClient creates a minio client for the archive bucket.
func NewBucketClient(cfg config.ArchiveConfig) (*BucketClient, error) {
	client, err := minio.New(hostOnly(cfg.Endpoint), &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &BucketClient{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (c *BucketClient) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
		}
	}

	return nil
}

// Bucket returns the bucket name.
func (c *BucketClient) Bucket() string {
	return c.bucket
}

// Ping checks if the storage is accessible by verifying bucket exists.
func (c *BucketClient) Ping(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", c.bucket)
	}
	return nil
}

// ============================================================================
// Archive (aws-sdk-go-v2) - audit batch uploads
// ============================================================================

// Archive writes audit batches to the bucket as newline delimited JSON, one
// object per batch.
type Archive struct {
	client *s3.Client
	bucket string
	retry  *apperrors.RetryConfig
	now    func() time.Time
}

// NewArchive creates an S3 archive writer.
func NewArchive(cfg config.ArchiveConfig) *Archive {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true, // Required for MinIO
		// Retries happen in WriteBatch
		Retryer: aws.NopRetryer{},
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
	}

	return &Archive{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		retry:  apperrors.StorageRetryConfig(),
		now:    time.Now,
	}
}

// WriteBatch uploads entries as a single object. Transient failures are
// retried with backoff.
func (a *Archive) WriteBatch(ctx context.Context, entries []db.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}

	body, err := EncodeBatch(entries)
	if err != nil {
		return err
	}
	key := ObjectKey(a.now(), uuid.New())

	return apperrors.Retry(ctx, a.retry, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/x-ndjson"),
		})
		if err != nil {
			return classifyUploadError(key, err)
		}
		return nil
	})
}

// classifyUploadError marks throttling, 5xx and transport failures as
// retryable storage errors. Other rejections are returned as is.
func classifyUploadError(key string, err error) error {
	var resp interface{ HTTPStatusCode() int }
	if errors.As(err, &resp) {
		status := resp.HTTPStatusCode()
		if status < 500 && status != http.StatusTooManyRequests {
			return fmt.Errorf("audit batch %s rejected: %w", key, err)
		}
	}
	return apperrors.StorageError("failed to upload audit batch " + key).WithCause(err)
}

// ObjectKey is the archive key for a batch written at t.
func ObjectKey(t time.Time, id uuid.UUID) string {
	t = t.UTC()
	return fmt.Sprintf("audit/%04d/%02d/%02d/%s.ndjson", t.Year(), int(t.Month()), t.Day(), id)
}

// EncodeBatch renders entries as newline delimited JSON.
func EncodeBatch(entries []db.AuditLog) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("failed to encode audit entry: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// hostOnly strips the scheme, minio-go expects host:port.
func hostOnly(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
