// Package drive provides a Google Drive backend. Folder ids are Drive
// folder ids; asset ids are Drive file ids.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/metrics"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
	"github.com/cheaptrainer/cheaptrainer/internal/remote/gauth"
	"github.com/cheaptrainer/cheaptrainer/internal/retry"
)

const (
	folderMimeType   = "application/vnd.google-apps.folder"
	googleAppsPrefix = "application/vnd.google-apps."
	listPageSize     = 1000
	defaultChunkSize = 8 << 20
	backendType      = "drive"
)

// Config holds Drive backend settings.
type Config struct {
	ChunkSize int64 // resumable upload chunk size
	Retry     retry.Config
}

// Backend implements remote.Backend on the Drive v3 API.
type Backend struct {
	svc       *drivev3.Service
	chunkSize int64
	retry     retry.Config
}

// New creates a Drive backend authenticated with service-account JSON.
func New(ctx context.Context, credentials []byte, cfg Config) (*Backend, error) {
	opts, sa, err := gauth.ClientOptions(ctx, credentials, gauth.ScopeDrive)
	if err != nil {
		return nil, err
	}
	b, err := NewWithOptions(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	logging.Info("drive backend ready", zap.String("service_account", sa.ClientEmail))
	return b, nil
}

// NewWithOptions creates a Drive backend from raw client options.
func NewWithOptions(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Backend, error) {
	svc, err := drivev3.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.Warn("drive call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return &Backend{svc: svc, chunkSize: cfg.ChunkSize, retry: cfg.Retry}, nil
}

// transient marks rate limiting and server errors as retryable.
func transient(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500) {
		return retry.Retryable(err)
	}
	return err
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// VerifyFolder checks that folderID is a readable, non-trashed folder.
func (b *Backend) VerifyFolder(ctx context.Context, folderID string) (models.FolderInfo, error) {
	start := time.Now()
	f, err := retry.DoWithResult(ctx, b.retry, func() (*drivev3.File, error) {
		f, err := b.svc.Files.Get(folderID).
			Fields("id", "name", "mimeType", "trashed").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return f, transient(err)
	})
	metrics.RecordRemoteOperation(backendType, "verify", time.Since(start), err == nil)
	if err != nil {
		return models.FolderInfo{}, fmt.Errorf("%w: %s: %v", models.ErrFolderAccess, folderID, err)
	}
	if f.MimeType != folderMimeType {
		return models.FolderInfo{}, fmt.Errorf("%w: %s is a %s, not a folder", models.ErrFolderAccess, folderID, f.MimeType)
	}
	if f.Trashed {
		return models.FolderInfo{}, fmt.Errorf("%w: %s is in the trash", models.ErrFolderAccess, folderID)
	}
	return models.FolderInfo{ID: f.Id, Name: f.Name}, nil
}

// ListFiles lists the files directly inside folderID, all pages.
// Sub-folders and native Google documents are skipped.
func (b *Backend) ListFiles(ctx context.Context, folderID string) ([]models.RemoteAsset, error) {
	start := time.Now()
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))

	assets, err := retry.DoWithResult(ctx, b.retry, func() ([]models.RemoteAsset, error) {
		var assets []models.RemoteAsset
		err := b.svc.Files.List().
			Q(q).
			Fields("nextPageToken", "files(id, name, mimeType, size)").
			PageSize(listPageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Pages(ctx, func(page *drivev3.FileList) error {
				for _, f := range page.Files {
					if strings.HasPrefix(f.MimeType, googleAppsPrefix) {
						continue
					}
					assets = append(assets, models.RemoteAsset{
						ID:          f.Id,
						Name:        f.Name,
						ContentType: f.MimeType,
						Size:        f.Size,
					})
				}
				return nil
			})
		return assets, transient(err)
	})
	metrics.RecordRemoteOperation(backendType, "list", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", models.ErrFolderAccess, folderID, err)
	}

	logging.Debug("drive folder listed", logging.Folder(folderID), zap.Int("files", len(assets)))
	return assets, nil
}

// Open streams the content of a Drive file.
func (b *Backend) Open(ctx context.Context, assetID string) (io.ReadCloser, error) {
	start := time.Now()
	resp, err := retry.DoWithResult(ctx, b.retry, func() (*http.Response, error) {
		resp, err := b.svc.Files.Get(assetID).SupportsAllDrives(true).Context(ctx).Download()
		return resp, transient(err)
	})
	metrics.RecordRemoteOperation(backendType, "download", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrDownload, assetID, err)
	}
	return resp.Body, nil
}

// Upload creates a new file in folderID. Drive allows several files with
// the same name in one folder; callers pick unique names.
func (b *Backend) Upload(ctx context.Context, folderID, name, contentType string, body io.ReadSeeker, size int64) (models.RemoteAsset, error) {
	start := time.Now()
	meta := &drivev3.File{
		Name:     name,
		Parents:  []string{folderID},
		MimeType: contentType,
	}
	f, err := b.svc.Files.Create(meta).
		Media(body, googleapi.ChunkSize(int(b.chunkSize)), googleapi.ContentType(contentType)).
		Fields("id", "name", "mimeType", "size").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	metrics.RecordRemoteOperation(backendType, "upload", time.Since(start), err == nil)
	if err != nil {
		return models.RemoteAsset{}, fmt.Errorf("upload %s to %s: %w", name, folderID, err)
	}

	logging.Debug("drive file uploaded",
		logging.Folder(folderID),
		zap.String("name", f.Name),
		zap.Int64("size", size))
	return models.RemoteAsset{ID: f.Id, Name: f.Name, ContentType: f.MimeType, Size: f.Size}, nil
}

// Type returns "drive".
func (b *Backend) Type() string { return backendType }

// Close is a no-op for Drive.
func (b *Backend) Close() error { return nil }
