// Package artifacts archives backtest-run output (equity curves, metrics) to
// an S3-compatible bucket, grounded on the teacher's R2Client/R2BackupService
// (internal/reliability/r2_backup_service.go's Cloudflare R2 cloud-backup
// path), generalized from periodic SQLite snapshot archival to one-shot
// per-run artifact export triggered by the backtest CLI.
package artifacts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader archives artifacts to a single bucket using the default AWS
// credential chain (environment, shared config, or instance profile) — the
// same resolution order the teacher's R2Client relies on for its R2 access
// keys.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Uploader builds an S3Uploader. The bucket may point at any
// S3-compatible endpoint (AWS S3, Cloudflare R2, etc.) reachable with the
// resolved credentials.
func NewS3Uploader(ctx context.Context, bucket string) (*S3Uploader, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Uploader{uploader: manager.NewUploader(client), bucket: bucket}, nil
}

// PutJSON uploads body under key with a JSON content type.
func (u *S3Uploader) PutJSON(ctx context.Context, key string, body []byte) error {
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("artifacts: upload %s: %w", key, err)
	}
	return nil
}
