package main

import (
	"context"
	"io"
	"sync"

	"github.com/cheaptrainer/cheaptrainer/internal/models"
	"github.com/cheaptrainer/cheaptrainer/internal/remote"
)

// lazySource opens the configured backend on first use, so a mirror hit
// never needs credentials or network access.
type lazySource struct {
	a *app

	once    sync.Once
	backend remote.Backend
	err     error
}

func (l *lazySource) get(ctx context.Context) (remote.Backend, error) {
	l.once.Do(func() {
		l.backend, l.err = l.a.backend(ctx)
	})
	return l.backend, l.err
}

func (l *lazySource) VerifyFolder(ctx context.Context, folderID string) (models.FolderInfo, error) {
	b, err := l.get(ctx)
	if err != nil {
		return models.FolderInfo{}, err
	}
	return b.VerifyFolder(ctx, folderID)
}

func (l *lazySource) ListFiles(ctx context.Context, folderID string) ([]models.RemoteAsset, error) {
	b, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return b.ListFiles(ctx, folderID)
}

func (l *lazySource) Open(ctx context.Context, assetID string) (io.ReadCloser, error) {
	b, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, assetID)
}

// Type reports the configured backend without opening it.
func (l *lazySource) Type() string { return l.a.cfg.Backend }

func (l *lazySource) Close() error {
	if l.backend == nil {
		return nil
	}
	return l.backend.Close()
}
