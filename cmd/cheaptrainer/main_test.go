package main

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheaptrainer/cheaptrainer/internal/mirror"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seedMirror(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	store := mirror.NewOS(root)
	for _, name := range []string{"a.png", "a.txt"} {
		_, err := store.Write("1AbCdEfGhIjKlMnOp", name, bytes.NewReader([]byte("0123456789")))
		require.NoError(t, err)
	}
	return root
}

func TestMirrorLs(t *testing.T) {
	root := seedMirror(t)

	out, err := run(t, "--mirror-root", root, "mirror", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "1AbCdEfGhIjKlMnOp")
	assert.Contains(t, out, "20 B")
}

func TestMirrorLsEmpty(t *testing.T) {
	out, err := run(t, "--mirror-root", filepath.Join(t.TempDir(), "none"), "mirror", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "Mirror is empty")
}

func TestMirrorStats(t *testing.T) {
	root := seedMirror(t)

	out, err := run(t, "--mirror-root", root, "mirror", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Folders:      1")
	assert.Contains(t, out, "Files:        2")
}

func TestMirrorRm(t *testing.T) {
	root := seedMirror(t)

	_, err := run(t, "--mirror-root", root, "mirror", "rm", "1AbCdEfGhIjKlMnOp")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "1AbCdEfGhIjKlMnOp"))
	assert.True(t, os.IsNotExist(err))

	_, err = run(t, "--mirror-root", root, "mirror", "rm", "1AbCdEfGhIjKlMnOp")
	assert.Error(t, err)
}

func TestDatasetLoadMirrorHitNeedsNoBackend(t *testing.T) {
	t.Setenv("CHEAPTRAINER_BACKEND", "ftp")
	root := t.TempDir()
	store := mirror.NewOS(root)

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	_, err := store.Write("1AbCdEfGhIjKlMnOp", "cat.png", &buf)
	require.NoError(t, err)
	_, err = store.Write("1AbCdEfGhIjKlMnOp", "cat.txt", bytes.NewReader([]byte("a cat")))
	require.NoError(t, err)

	out, err := run(t, "--mirror-root", root, "dataset", "load", "1AbCdEfGhIjKlMnOp")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache:    hit")
	assert.Contains(t, out, "Batch:    [1 2 3 3]")
	assert.Contains(t, out, "a cat")
}

func TestDatasetLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CHEAPTRAINER_BACKEND", "ftp")

	_, err := run(t, "--mirror-root", t.TempDir(), "dataset", "load", "1AbCdEfGhIjKlMnOp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestLoRASaveMissingFile(t *testing.T) {
	_, err := run(t, "lora", "save", "1AbCdEfGhIjKlMnOp", filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.50 KB", formatSize(1536))
	assert.Equal(t, "2.00 MB", formatSize(2<<20))
	assert.Equal(t, "1.00 GB", formatSize(1<<30))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
