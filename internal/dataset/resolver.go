// Package dataset turns a remote folder of image/caption pairs into decoded
// training samples, mirroring the raw files locally so later runs skip the
// network.
package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cheaptrainer/cheaptrainer/internal/decode"
	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/metrics"
	"github.com/cheaptrainer/cheaptrainer/internal/mirror"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
	"github.com/cheaptrainer/cheaptrainer/internal/pairing"
	"github.com/cheaptrainer/cheaptrainer/internal/remote"
)

// DefaultChunkSize is the download read size when none is configured.
const DefaultChunkSize = 1 << 20

// Result is the outcome of one resolution.
type Result struct {
	Folder models.FolderInfo
	State  models.CacheState
	// RunID tags the log lines of the resolution that produced the result.
	RunID   string
	Samples []models.Sample
}

// Captions returns the captions in sample order.
func (r *Result) Captions() []string {
	captions := make([]string, len(r.Samples))
	for i, s := range r.Samples {
		captions[i] = s.Caption
	}
	return captions
}

// Resolver loads datasets from the mirror, falling back to the remote
// source when the mirror has nothing usable.
type Resolver struct {
	mirror    *mirror.Store
	source    remote.Source
	chunkSize int
	group     singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a coalesced resolution runs under. It is cancelled
// once every caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// errAbandoned marks a resolution stopped because all its callers left.
var errAbandoned = errors.New("resolution abandoned by all callers")

// NewResolver creates a Resolver. chunkSize <= 0 selects DefaultChunkSize.
func NewResolver(store *mirror.Store, source remote.Source, chunkSize int) *Resolver {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Resolver{
		mirror:    store,
		source:    source,
		chunkSize: chunkSize,
		flights:   make(map[string]*flight),
	}
}

// Resolve returns the decoded samples of folderID, in base-name order.
//
// Concurrent calls for the same folder share one resolution. Cancelling one
// caller's ctx returns that caller early without failing the others; the
// shared work stops only when no caller is left. Each caller gets its own
// Result and Samples slice, but image tensor data is shared and must be
// treated as read-only.
func (r *Resolver) Resolve(ctx context.Context, folderID string) (*Result, error) {
	if err := models.ValidateFolderID(folderID); err != nil {
		return nil, err
	}

	for {
		f := r.join(ctx, folderID)
		ch := r.group.DoChan(folderID, func() (any, error) {
			res, err := r.resolve(f.ctx, folderID)
			if err != nil && f.ctx.Err() != nil {
				return nil, errAbandoned
			}
			return res, err
		})

		select {
		case <-ctx.Done():
			r.leave(folderID, f)
			return nil, ctx.Err()
		case out := <-ch:
			r.leave(folderID, f)
			if errors.Is(out.Err, errAbandoned) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				// joined a flight that was being torn down
				continue
			}
			if out.Err != nil {
				return nil, out.Err
			}
			if out.Shared {
				logging.Debug("resolution shared with concurrent caller", logging.Folder(folderID))
			}
			res := *out.Val.(*Result)
			res.Samples = append([]models.Sample(nil), res.Samples...)
			return &res, nil
		}
	}
}

func (r *Resolver) join(ctx context.Context, folderID string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[folderID]
	if !ok || f.ctx.Err() != nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		r.flights[folderID] = f
	}
	f.waiters++
	return f
}

func (r *Resolver) leave(folderID string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[folderID] == f {
		delete(r.flights, folderID)
	}
}

func (r *Resolver) resolve(ctx context.Context, folderID string) (*Result, error) {
	ctx = logging.WithRunID(ctx)
	log := logging.WithContext(ctx).With(logging.Folder(folderID))
	start := time.Now()

	state, pairs, err := r.inspectMirror(folderID)
	if err != nil {
		metrics.RecordResolution(models.CacheMissAbsent.String(), 0, time.Since(start), false)
		return nil, err
	}

	var res *Result
	switch state {
	case models.CacheHit:
		log.Info("loading dataset from mirror",
			zap.String("dir", r.mirror.Path(folderID)),
			zap.Int("pairs", len(pairs)))
		res, err = r.fromMirror(folderID, pairs)
	case models.CacheMissEmpty:
		log.Warn("mirror holds no image/caption pairs, fetching from remote")
		res, err = r.fromRemote(ctx, log, folderID)
	default:
		log.Info("no mirror, fetching from remote")
		res, err = r.fromRemote(ctx, log, folderID)
	}

	if err != nil {
		metrics.RecordResolution(state.String(), 0, time.Since(start), false)
		log.Error("dataset resolution failed", zap.Error(err))
		return nil, err
	}

	res.State = state
	res.RunID = logging.GetRunID(ctx)
	metrics.RecordResolution(state.String(), len(res.Samples), time.Since(start), true)
	log.Info("dataset resolved",
		zap.Stringer("cache", state),
		zap.Int("samples", len(res.Samples)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// inspectMirror classifies the mirror for folderID. Local pairs are
// returned on a hit.
func (r *Resolver) inspectMirror(folderID string) (models.CacheState, []models.Pair, error) {
	populated, err := r.mirror.IsPopulated(folderID)
	if err != nil || !populated {
		return models.CacheMissAbsent, nil, err
	}
	names, err := r.mirror.List(folderID)
	if err != nil {
		return models.CacheMissAbsent, nil, err
	}
	pairs := pairing.Classify(pairing.LocalRefs(r.mirror.Path(folderID), names)).Pairs()
	if len(pairs) == 0 {
		return models.CacheMissEmpty, nil, nil
	}
	return models.CacheHit, pairs, nil
}

func (r *Resolver) fromMirror(folderID string, pairs []models.Pair) (*Result, error) {
	samples := make([]models.Sample, 0, len(pairs))
	for _, p := range pairs {
		imgData, err := r.mirror.Read(folderID, p.Image.Name())
		if err != nil {
			return nil, err
		}
		capData, err := r.mirror.Read(folderID, p.Caption.Name())
		if err != nil {
			return nil, err
		}
		sample, err := decodePair(p, imgData, capData)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return &Result{Folder: models.FolderInfo{ID: folderID}, Samples: samples}, nil
}

func (r *Resolver) fromRemote(ctx context.Context, log *zap.Logger, folderID string) (*Result, error) {
	folder, err := r.source.VerifyFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	assets, err := r.source.ListFiles(ctx, folderID)
	if err != nil {
		return nil, err
	}
	log.Debug("remote folder listed", zap.String("name", folder.Name), zap.Int("files", len(assets)))
	assets = mirrorable(log, assets)

	pairs, err := pairing.Resolve(folderID, pairing.RemoteRefs(assets))
	if err != nil {
		return nil, err
	}

	samples := make([]models.Sample, 0, len(pairs))
	for _, p := range pairs {
		sample, err := r.fetchPair(ctx, folderID, p)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
		log.Debug("pair fetched", zap.String("base", p.BaseName))
	}
	return &Result{Folder: folder, Samples: samples}, nil
}

// fetchPair downloads both files of p, then decodes them while writing the
// raw bytes to the mirror.
func (r *Resolver) fetchPair(ctx context.Context, folderID string, p models.Pair) (models.Sample, error) {
	imgData, err := r.download(ctx, p.Image)
	if err != nil {
		return models.Sample{}, err
	}
	capData, err := r.download(ctx, p.Caption)
	if err != nil {
		return models.Sample{}, err
	}

	var sample models.Sample
	var g errgroup.Group
	g.Go(func() error {
		var err error
		sample, err = decodePair(p, imgData, capData)
		return err
	})
	g.Go(func() error { return r.store(folderID, p.Image.Name(), imgData) })
	g.Go(func() error { return r.store(folderID, p.Caption.Name(), capData) })
	if err := g.Wait(); err != nil {
		return models.Sample{}, err
	}
	return sample, nil
}

// download reads one asset fully, chunkSize bytes at a time.
func (r *Resolver) download(ctx context.Context, ref models.AssetRef) ([]byte, error) {
	rc, err := r.source.Open(ctx, ref.Key())
	if err != nil {
		if errors.Is(err, models.ErrDownload) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", models.ErrDownload, ref.Name(), err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	chunk := make([]byte, r.chunkSize)
	for {
		n, err := rc.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrDownload, ref.Name(), err)
		}
	}

	metrics.RecordDownload(backendType(r.source), int64(buf.Len()))
	return buf.Bytes(), nil
}

func (r *Resolver) store(folderID, name string, data []byte) error {
	n, err := r.mirror.Write(folderID, name, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrMirrorWrite, err)
	}
	metrics.RecordMirrorWrite(n)
	return nil
}

// mirrorable drops assets whose names cannot be stored as a single file in
// the mirror directory.
func mirrorable(log *zap.Logger, assets []models.RemoteAsset) []models.RemoteAsset {
	kept := assets[:0:0]
	for _, a := range assets {
		if !mirror.ValidName(a.Name) {
			log.Warn("skipping remote file with unusable name", zap.String("name", a.Name), zap.String("id", a.ID))
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func decodePair(p models.Pair, imgData, capData []byte) (models.Sample, error) {
	img, err := decode.Image(imgData)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%s: %w", p.Image.Name(), err)
	}
	caption, err := decode.Caption(capData)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%s: %w", p.Caption.Name(), err)
	}
	return models.Sample{BaseName: p.BaseName, Image: img, Caption: caption}, nil
}

func backendType(src remote.Source) string {
	if t, ok := src.(interface{ Type() string }); ok {
		return t.Type()
	}
	return "unknown"
}
