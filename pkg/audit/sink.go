package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ExportSink durably ships an already-serialized audit export off the
// gateway's own host, so the log survives the loss of local disk.
type ExportSink interface {
	Write(ctx context.Context, key string, data []byte) error
}

// S3Sink writes exports to an S3 (or S3-compatible) bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink wraps an already-configured S3 client.
func NewS3Sink(client *s3.Client, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket}
}

// NewS3SinkFromDefaultConfig resolves credentials and region the usual
// AWS SDK way (env vars, shared config, instance role) rather than
// requiring the caller to assemble an s3.Client by hand.
func NewS3SinkFromDefaultConfig(ctx context.Context, bucket string) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	return NewS3Sink(s3.NewFromConfig(awsCfg), bucket), nil
}

func (s *S3Sink) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audit: s3 export failed: %w", err)
	}
	return nil
}

// GCSSink writes exports to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink wraps an already-configured GCS client.
func NewGCSSink(client *storage.Client, bucket string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket}
}

// NewGCSSinkFromDefaultConfig resolves application-default credentials
// the usual GCS client way.
func NewGCSSinkFromDefaultConfig(ctx context.Context, bucket string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create gcs client: %w", err)
	}
	return NewGCSSink(client, bucket), nil
}

func (s *GCSSink) Write(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("audit: gcs export failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: gcs export close failed: %w", err)
	}
	return nil
}

// ExportKey builds a time-bucketed object key so repeated exports of the
// same org don't collide.
func ExportKey(orgID string, at time.Time) string {
	return fmt.Sprintf("audit-exports/%s/%s.ndjson", orgID, at.UTC().Format("20060102T150405Z"))
}
