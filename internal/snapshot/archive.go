package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver exports a finalised snapshot to long-term storage. Archival is
// best effort: the database row stays the system of record and a failed
// archive never fails the finalise call.
type Archiver interface {
	Archive(ctx context.Context, key string, snap Snapshot) error
}

// S3Config holds construction parameters for the S3 archiver. Endpoint and
// PathStyle support MinIO in development.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string
	PathStyle bool
}

// S3Archiver writes snapshot JSON to an S3-compatible bucket, one object per
// period, create-only.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver constructs an S3Archiver from config.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot: archive bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "eu-west-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive uploads the snapshot under key. Existing objects are left alone:
// snapshots are immutable, so a second archive attempt for the same key is a
// no-op rather than an overwrite.
func (a *S3Archiver) Archive(ctx context.Context, key string, snap Snapshot) error {
	if a == nil || a.client == nil {
		return fmt.Errorf("snapshot: archiver not initialised")
	}
	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &key}); err == nil {
		return nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal archive: %w", err)
	}
	contentType := "application/json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	return err
}
