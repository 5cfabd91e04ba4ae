package remote

import (
	"context"
	"fmt"

	"github.com/cheaptrainer/cheaptrainer/internal/config"
	"github.com/cheaptrainer/cheaptrainer/internal/remote/drive"
	"github.com/cheaptrainer/cheaptrainer/internal/remote/gcs"
	s3backend "github.com/cheaptrainer/cheaptrainer/internal/remote/s3"
	"github.com/cheaptrainer/cheaptrainer/internal/retry"
)

var (
	_ Backend = (*drive.Backend)(nil)
	_ Backend = (*gcs.Backend)(nil)
	_ Backend = (*s3backend.Backend)(nil)
)

// New creates the Backend selected by cfg.Backend.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Backend {
	case "drive":
		creds, err := cfg.Credentials()
		if err != nil {
			return nil, err
		}
		return drive.New(ctx, creds, drive.Config{ChunkSize: cfg.ChunkSize, Retry: retryConfig(cfg)})
	case "gcs":
		creds, err := cfg.Credentials()
		if err != nil {
			return nil, err
		}
		return gcs.New(ctx, creds, gcs.Config{
			Bucket:    cfg.GCS.Bucket,
			Project:   cfg.GCS.Project,
			ChunkSize: cfg.ChunkSize,
		})
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}

// retryConfig maps retry_attempts onto a retry policy. One attempt turns
// retries off; zero or less keeps the default count.
func retryConfig(cfg *config.Config) retry.Config {
	if cfg.RetryAttempts == 1 {
		return retry.Off()
	}
	rc := retry.DefaultConfig()
	if cfg.RetryAttempts > 1 {
		rc.MaxAttempts = cfg.RetryAttempts
	}
	return rc
}
