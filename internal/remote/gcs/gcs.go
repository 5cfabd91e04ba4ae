// Package gcs provides a Google Cloud Storage backend. A folder id is an
// object prefix inside the configured bucket ("datasets/cats"); asset ids
// are full object names.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/metrics"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
	"github.com/cheaptrainer/cheaptrainer/internal/remote/gauth"
)

const backendType = "gcs"

// bucketHandle abstracts a GCS bucket handle for testability.
type bucketHandle interface {
	Attrs(ctx context.Context) (*storage.BucketAttrs, error)
	Objects(ctx context.Context, q *storage.Query) objectIterator
	Object(name string) objectHandle
}

// objectIterator abstracts a GCS object iterator.
type objectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// objectHandle abstracts a GCS object handle.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context, contentType string, chunkSize int) io.WriteCloser
}

type realBucketHandle struct{ bh *storage.BucketHandle }

func (r *realBucketHandle) Attrs(ctx context.Context) (*storage.BucketAttrs, error) {
	return r.bh.Attrs(ctx)
}

func (r *realBucketHandle) Objects(ctx context.Context, q *storage.Query) objectIterator {
	return r.bh.Objects(ctx, q)
}

func (r *realBucketHandle) Object(name string) objectHandle {
	return &realObjectHandle{r.bh.Object(name)}
}

type realObjectHandle struct{ oh *storage.ObjectHandle }

func (r *realObjectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return r.oh.NewReader(ctx)
}

func (r *realObjectHandle) NewWriter(ctx context.Context, contentType string, chunkSize int) io.WriteCloser {
	w := r.oh.NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = chunkSize
	return w
}

// Config holds GCS backend settings.
type Config struct {
	Bucket    string
	Project   string
	ChunkSize int64
}

// Backend implements remote.Backend on a GCS bucket.
type Backend struct {
	bucket    string
	chunkSize int
	client    *storage.Client
	handle    bucketHandle
}

// New creates a GCS backend. With empty credentials the client falls back
// to application default credentials.
func New(ctx context.Context, credentials []byte, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if len(credentials) > 0 {
		credOpts, sa, err := gauth.ClientOptions(ctx, credentials, gauth.ScopeStorageRW)
		if err != nil {
			return nil, err
		}
		opts = append(opts, credOpts...)
		logging.Info("gcs using service account", zap.String("service_account", sa.ClientEmail))
	}
	if cfg.Project != "" {
		opts = append(opts, option.WithQuotaProject(cfg.Project))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	b := newBackend(&realBucketHandle{client.Bucket(cfg.Bucket)}, cfg)
	b.client = client
	logging.Info("gcs backend ready", zap.String("bucket", cfg.Bucket))
	return b, nil
}

func newBackend(h bucketHandle, cfg Config) *Backend {
	return &Backend{
		bucket:    cfg.Bucket,
		chunkSize: int(cfg.ChunkSize),
		handle:    h,
	}
}

func dirPrefix(folderID string) string {
	return strings.TrimSuffix(folderID, "/") + "/"
}

// VerifyFolder checks that the bucket is readable and that at least one
// object lives under the folder prefix.
func (b *Backend) VerifyFolder(ctx context.Context, folderID string) (models.FolderInfo, error) {
	start := time.Now()
	err := b.verify(ctx, folderID)
	metrics.RecordRemoteOperation(backendType, "verify", time.Since(start), err == nil)
	if err != nil {
		return models.FolderInfo{}, fmt.Errorf("%w: gs://%s/%s: %v", models.ErrFolderAccess, b.bucket, folderID, err)
	}
	return models.FolderInfo{ID: folderID, Name: path.Base(strings.TrimSuffix(folderID, "/"))}, nil
}

func (b *Backend) verify(ctx context.Context, folderID string) error {
	if _, err := b.handle.Attrs(ctx); err != nil {
		return err
	}
	_, err := b.handle.Objects(ctx, &storage.Query{Prefix: dirPrefix(folderID)}).Next()
	if errors.Is(err, iterator.Done) {
		return errors.New("no objects under prefix")
	}
	return err
}

// ListFiles returns the objects directly under the folder prefix.
func (b *Backend) ListFiles(ctx context.Context, folderID string) ([]models.RemoteAsset, error) {
	start := time.Now()
	prefix := dirPrefix(folderID)

	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var assets []models.RemoteAsset
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			metrics.RecordRemoteOperation(backendType, "list", time.Since(start), false)
			return nil, fmt.Errorf("%w: list gs://%s/%s: %v", models.ErrFolderAccess, b.bucket, prefix, err)
		}
		// synthetic sub-directory entries and the folder marker itself
		if attrs.Prefix != "" || attrs.Name == prefix {
			continue
		}
		assets = append(assets, models.RemoteAsset{
			ID:          attrs.Name,
			Name:        path.Base(attrs.Name),
			ContentType: attrs.ContentType,
			Size:        attrs.Size,
		})
	}
	metrics.RecordRemoteOperation(backendType, "list", time.Since(start), true)
	return assets, nil
}

// Open streams an object.
func (b *Backend) Open(ctx context.Context, assetID string) (io.ReadCloser, error) {
	start := time.Now()
	r, err := b.handle.Object(assetID).NewReader(ctx)
	metrics.RecordRemoteOperation(backendType, "download", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gs://%s/%s: %v", models.ErrDownload, b.bucket, assetID, err)
	}
	return r, nil
}

// Upload writes body to folderID/name, replacing any existing object.
func (b *Backend) Upload(ctx context.Context, folderID, name, contentType string, body io.ReadSeeker, size int64) (models.RemoteAsset, error) {
	start := time.Now()
	key := dirPrefix(folderID) + name

	w := b.handle.Object(key).NewWriter(ctx, contentType, b.chunkSize)
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		metrics.RecordRemoteOperation(backendType, "upload", time.Since(start), false)
		return models.RemoteAsset{}, fmt.Errorf("write object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		metrics.RecordRemoteOperation(backendType, "upload", time.Since(start), false)
		return models.RemoteAsset{}, fmt.Errorf("close writer for object %q: %w", key, err)
	}
	metrics.RecordRemoteOperation(backendType, "upload", time.Since(start), true)

	logging.Debug("gcs object uploaded", zap.String("key", key), zap.Int64("size", size))
	return models.RemoteAsset{ID: key, Name: name, ContentType: contentType, Size: size}, nil
}

// Type returns "gcs".
func (b *Backend) Type() string { return backendType }

// Close closes the GCS client.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	b.client = nil
	return nil
}
