// Package s3 provides an S3/MinIO backend. A folder id is a key prefix
// inside the configured bucket; asset ids are full object keys.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/metrics"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

const backendType = "s3"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// API is the subset of *s3.Client the backend uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Backend implements remote.Backend on an S3 bucket.
type Backend struct {
	client API
	bucket string
}

// New creates an S3 backend. Static credentials are used when an access
// key is configured; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	logging.Info("s3 backend ready",
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", endpoint))
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, bucket string) *Backend {
	return &Backend{client: client, bucket: bucket}
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func dirPrefix(folderID string) string {
	return strings.TrimSuffix(folderID, "/") + "/"
}

// VerifyFolder checks that the bucket is reachable and that at least one
// key exists under the folder prefix.
func (b *Backend) VerifyFolder(ctx context.Context, folderID string) (models.FolderInfo, error) {
	start := time.Now()
	err := b.verify(ctx, folderID)
	metrics.RecordRemoteOperation(backendType, "verify", time.Since(start), err == nil)
	if err != nil {
		return models.FolderInfo{}, fmt.Errorf("%w: s3://%s/%s: %v", models.ErrFolderAccess, b.bucket, folderID, err)
	}
	return models.FolderInfo{ID: folderID, Name: path.Base(strings.TrimSuffix(folderID, "/"))}, nil
}

func (b *Backend) verify(ctx context.Context, folderID string) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return err
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirPrefix(folderID)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return err
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return errors.New("no objects under prefix")
	}
	return nil
}

// ListFiles returns the objects directly under the folder prefix.
func (b *Backend) ListFiles(ctx context.Context, folderID string) ([]models.RemoteAsset, error) {
	start := time.Now()
	prefix := dirPrefix(folderID)

	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var assets []models.RemoteAsset
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordRemoteOperation(backendType, "list", time.Since(start), false)
			return nil, fmt.Errorf("%w: list s3://%s/%s: %v", models.ErrFolderAccess, b.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			name := path.Base(key)
			assets = append(assets, models.RemoteAsset{
				ID:          key,
				Name:        name,
				ContentType: mime.TypeByExtension(path.Ext(name)),
				Size:        aws.ToInt64(obj.Size),
			})
		}
	}
	metrics.RecordRemoteOperation(backendType, "list", time.Since(start), true)
	return assets, nil
}

// Open streams an object.
func (b *Backend) Open(ctx context.Context, assetID string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(assetID),
	})
	if err != nil {
		metrics.RecordRemoteOperation(backendType, "download", time.Since(start), false)
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", models.ErrDownload, b.bucket, assetID, err)
	}
	metrics.RecordRemoteOperation(backendType, "download", time.Since(start), true)
	return out.Body, nil
}

// Upload puts body at folderID/name, replacing any existing object.
func (b *Backend) Upload(ctx context.Context, folderID, name, contentType string, body io.ReadSeeker, size int64) (models.RemoteAsset, error) {
	start := time.Now()
	key := dirPrefix(folderID) + name

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		metrics.RecordRemoteOperation(backendType, "upload", time.Since(start), false)
		return models.RemoteAsset{}, fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordRemoteOperation(backendType, "upload", time.Since(start), true)

	logging.Debug("s3 object uploaded", zap.String("key", key), zap.Int64("size", size))
	return models.RemoteAsset{ID: key, Name: name, ContentType: contentType, Size: size}, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return backendType }

// Close is a no-op; the SDK client holds no resources.
func (b *Backend) Close() error { return nil }
