package dataset

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/mirror"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

const testFolder = "1AbCdEfGhIjKlMnOp"

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}

type fakeSource struct {
	mu        sync.Mutex
	files     map[string][]byte // name -> content
	verifyErr error
	failOpen  map[string]bool
	calls     int
}

func newFakeSource(files map[string][]byte) *fakeSource {
	return &fakeSource{files: files, failOpen: make(map[string]bool)}
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) VerifyFolder(_ context.Context, folderID string) (models.FolderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.verifyErr != nil {
		return models.FolderInfo{}, f.verifyErr
	}
	return models.FolderInfo{ID: folderID, Name: "training set"}, nil
}

func (f *fakeSource) ListFiles(context.Context, string) ([]models.RemoteAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var assets []models.RemoteAsset
	for name, data := range f.files {
		assets = append(assets, models.RemoteAsset{ID: "id-" + name, Name: name, Size: int64(len(data))})
	}
	// enumeration order must not matter
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name > assets[j].Name })
	return assets, nil
}

func (f *fakeSource) Open(_ context.Context, assetID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	name := assetID[len("id-"):]
	if f.failOpen[name] {
		return nil, errors.New("connection reset")
	}
	return io.NopCloser(bytes.NewReader(f.files[name])), nil
}

func (f *fakeSource) Type() string { return "fake" }

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestResolver(src *fakeSource) (*Resolver, *mirror.Store) {
	store := mirror.New(afero.NewMemMapFs(), "input")
	return NewResolver(store, src, 7), store
}

func TestResolveScenario(t *testing.T) {
	red := pngBytes(t, 2, 3, color.NRGBA{R: 255, A: 255})
	src := newFakeSource(map[string][]byte{
		"a.png": red,
		"a.txt": []byte("  a red square\n"),
		"b.jpg": []byte("not decoded"),
		"c.txt": []byte("orphan caption"),
	})
	r, store := newTestResolver(src)

	res, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	assert.Equal(t, models.CacheMissAbsent, res.State)
	assert.Equal(t, "training set", res.Folder.Name)
	require.Len(t, res.Samples, 1)

	s := res.Samples[0]
	assert.Equal(t, "a", s.BaseName)
	assert.Equal(t, "a red square", s.Caption)
	assert.Equal(t, [4]int{1, 3, 2, 3}, s.Image.Shape)
	assert.Equal(t, float32(1), s.Image.At(0, 0, 0, 0))
	assert.Equal(t, float32(0), s.Image.At(0, 2, 1, 1))

	names, err := store.List(testFolder)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "a.txt"}, names)

	stored, err := store.Read(testFolder, "a.png")
	require.NoError(t, err)
	assert.Equal(t, red, stored)
}

func TestResolveCacheHitMakesNoRemoteCalls(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"x.png": pngBytes(t, 4, 4, color.White),
		"x.txt": []byte("white"),
		"y.png": pngBytes(t, 4, 4, color.Black),
		"y.txt": []byte(""),
	})
	r, _ := newTestResolver(src)

	first, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	calls := src.count()

	second, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	assert.Equal(t, calls, src.count())
	assert.Equal(t, models.CacheHit, second.State)

	require.Len(t, second.Samples, 2)
	for i := range first.Samples {
		assert.Equal(t, first.Samples[i].BaseName, second.Samples[i].BaseName)
		assert.Equal(t, first.Samples[i].Caption, second.Samples[i].Caption)
		assert.Equal(t, first.Samples[i].Image, second.Samples[i].Image)
	}
	assert.Equal(t, []string{"white", ""}, second.Captions())
}

func TestResolveUnpairedMirrorFallsBackToRemote(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": pngBytes(t, 1, 1, color.White),
		"a.txt": []byte("dot"),
	})
	r, store := newTestResolver(src)
	_, err := store.Write(testFolder, "notes.md", bytes.NewReader([]byte("readme")))
	require.NoError(t, err)
	_, err = store.Write(testFolder, "lonely.png", bytes.NewReader([]byte("img")))
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	assert.Equal(t, models.CacheMissEmpty, res.State)
	require.Len(t, res.Samples, 1)
	assert.Greater(t, src.count(), 0)

	names, err := store.List(testFolder)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "a.txt", "lonely.png", "notes.md"}, names)
}

func TestResolveNoPairsAnywhere(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": pngBytes(t, 1, 1, color.White),
		"b.png": pngBytes(t, 1, 1, color.White),
	})
	r, store := newTestResolver(src)

	_, err := r.Resolve(context.Background(), testFolder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNoPairsFound))

	exists, err := afero.DirExists(store.Fs(), store.Path(testFolder))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResolveInvalidFolderIDBeforeRemote(t *testing.T) {
	src := newFakeSource(nil)
	r, _ := newTestResolver(src)

	for _, id := range []string{"", "   ", "short", "has space in it"} {
		_, err := r.Resolve(context.Background(), id)
		assert.True(t, errors.Is(err, models.ErrInvalidFolderID), id)
	}
	assert.Equal(t, 0, src.count())
}

func TestResolveFolderAccessError(t *testing.T) {
	src := newFakeSource(nil)
	src.verifyErr = models.ErrFolderAccess
	r, _ := newTestResolver(src)

	_, err := r.Resolve(context.Background(), testFolder)
	assert.True(t, errors.Is(err, models.ErrFolderAccess))
}

func TestResolveDownloadFailureLeavesPartialMirror(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": pngBytes(t, 1, 1, color.White),
		"a.txt": []byte("first"),
		"b.png": pngBytes(t, 1, 1, color.White),
		"b.txt": []byte("second"),
	})
	src.failOpen["b.txt"] = true
	r, store := newTestResolver(src)

	_, err := r.Resolve(context.Background(), testFolder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownload))
	assert.Contains(t, err.Error(), "b.txt")

	names, err := store.List(testFolder)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "a.txt"}, names)
}

func TestResolveDecodeFailure(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": []byte("definitely not a png"),
		"a.txt": []byte("caption"),
	})
	r, _ := newTestResolver(src)

	_, err := r.Resolve(context.Background(), testFolder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDecode))
	assert.Contains(t, err.Error(), "a.png")
}

func TestResolveMirrorWriteFailure(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": pngBytes(t, 1, 1, color.White),
		"a.txt": []byte("caption"),
	})
	store := mirror.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "input")
	r := NewResolver(store, src, 0)

	_, err := r.Resolve(context.Background(), testFolder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMirrorWrite))
}

func TestResolveConcurrentCallers(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": pngBytes(t, 2, 2, color.White),
		"a.txt": []byte("caption"),
	})
	r, _ := newTestResolver(src)

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), testFolder)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Samples, 1)
		assert.Equal(t, "caption", results[i].Samples[0].Caption)
	}
}

// gatedSource blocks every Open until release is closed or the call's
// context ends.
type gatedSource struct {
	*fakeSource
	opened  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) Open(ctx context.Context, assetID string) (io.ReadCloser, error) {
	g.once.Do(func() { close(g.opened) })
	select {
	case <-g.release:
		return g.fakeSource.Open(ctx, assetID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestResolveCancelledCallerDoesNotFailOthers(t *testing.T) {
	src := &gatedSource{
		fakeSource: newFakeSource(map[string][]byte{
			"a.png": pngBytes(t, 2, 2, color.White),
			"a.txt": []byte("caption"),
		}),
		opened:  make(chan struct{}),
		release: make(chan struct{}),
	}
	store := mirror.New(afero.NewMemMapFs(), "input")
	r := NewResolver(store, src, 0)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, testFolder)
		errA <- err
	}()
	<-src.opened

	type outcome struct {
		res *Result
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := r.Resolve(context.Background(), testFolder)
		doneB <- outcome{res, err}
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		f := r.flights[testFolder]
		return f != nil && f.waiters == 2
	}, time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(src.release)
	b := <-doneB
	require.NoError(t, b.err)
	require.Len(t, b.res.Samples, 1)
	assert.Equal(t, "caption", b.res.Samples[0].Caption)
}

func TestResolveAllCallersGoneStopsWork(t *testing.T) {
	src := &gatedSource{
		fakeSource: newFakeSource(map[string][]byte{
			"a.png": pngBytes(t, 1, 1, color.White),
			"a.txt": []byte("caption"),
		}),
		opened:  make(chan struct{}),
		release: make(chan struct{}),
	}
	store := mirror.New(afero.NewMemMapFs(), "input")
	r := NewResolver(store, src, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, testFolder)
		errc <- err
	}()
	<-src.opened
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.flights) == 0
	}, time.Second, time.Millisecond)

	// a later caller starts a fresh resolution
	close(src.release)
	res, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
}

func TestResolveCallersGetOwnResult(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"a.png": pngBytes(t, 1, 1, color.White),
		"a.txt": []byte("caption"),
	})
	r, _ := newTestResolver(src)

	first, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	assert.NotEmpty(t, first.RunID)
	first.Samples[0].Caption = "changed"
	first.Samples = nil

	second, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	require.Len(t, second.Samples, 1)
	assert.Equal(t, "caption", second.Samples[0].Caption)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestResolveSkipsUnmirrorableRemoteNames(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"x/y.png": pngBytes(t, 1, 1, color.White),
		"x/y.txt": []byte("nested"),
		"a.png":   pngBytes(t, 1, 1, color.Black),
		"a.txt":   []byte("flat"),
	})
	r, store := newTestResolver(src)

	res, err := r.Resolve(context.Background(), testFolder)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, "a", res.Samples[0].BaseName)

	names, err := store.List(testFolder)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "a.txt"}, names)
}

func TestResolveOnlyUnmirrorableNames(t *testing.T) {
	src := newFakeSource(map[string][]byte{
		"x/y.png": pngBytes(t, 1, 1, color.White),
		"x/y.txt": []byte("nested"),
	})
	r, _ := newTestResolver(src)

	_, err := r.Resolve(context.Background(), testFolder)
	assert.ErrorIs(t, err, models.ErrNoPairsFound)
}
