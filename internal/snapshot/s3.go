package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config holds the configuration for the S3 storage backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Enabled reports whether enough is configured to reach a bucket.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Store keeps snapshot archives in S3-compatible object storage.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates a new S3 snapshot store. Static credentials are used when
// given; otherwise the SDK's default chain applies.
func NewS3Store(cfg S3Config) *S3Store {
	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		if cfg.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}
}

// Key returns a fresh object key for an instance's snapshot.
func Key(instanceID string) string {
	return fmt.Sprintf("snapshots/%s/%s-%s.tar.zst",
		instanceID, time.Now().UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
}

// Upload uploads an archive from a local file and returns its size in bytes.
func (s *S3Store) Upload(ctx context.Context, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat snapshot file: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(ContentType),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}
	return stat.Size(), nil
}

// Download streams an archive from S3. The caller must close the reader.
func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot from S3: %w", err)
	}
	return resp.Body, nil
}
