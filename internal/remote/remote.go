// Package remote defines the interface to remote dataset folders and
// selects a backend implementation from configuration.
package remote

import (
	"context"
	"io"

	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

// Source lists and reads files in remote folders.
type Source interface {
	// VerifyFolder checks that folderID exists, is a folder and is
	// readable. Failures wrap models.ErrFolderAccess.
	VerifyFolder(ctx context.Context, folderID string) (models.FolderInfo, error)

	// ListFiles returns every file directly inside folderID, following
	// pagination until the listing is complete. Sub-folders are omitted.
	ListFiles(ctx context.Context, folderID string) ([]models.RemoteAsset, error)

	// Open streams the content of one asset.
	Open(ctx context.Context, assetID string) (io.ReadCloser, error)
}

// Uploader writes files into remote folders.
type Uploader interface {
	Upload(ctx context.Context, folderID, name, contentType string, body io.ReadSeeker, size int64) (models.RemoteAsset, error)
}

// Backend is a complete remote storage backend.
type Backend interface {
	Source
	Uploader

	// Type returns the backend type identifier ("drive", "gcs", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
