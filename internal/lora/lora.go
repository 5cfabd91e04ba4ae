// Package lora uploads trained LoRA weights to a remote folder under
// sequentially numbered names.
package lora

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/metrics"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
	"github.com/cheaptrainer/cheaptrainer/internal/remote"
)

const (
	// DefaultPrefix names uploads when Options.Prefix is empty.
	DefaultPrefix = "Comfy-trained-loras"
	// Extension ends every uploaded file name.
	Extension = ".safetensors"
	// ContentType is sent with every upload.
	ContentType = "application/octet-stream"

	// Upper bound on the JSON header; larger values mean a corrupt file.
	maxHeaderSize = 100 << 20
)

// Options controls the uploaded file name.
type Options struct {
	Prefix string
	// Steps, when set, is embedded in the name.
	Steps *int
}

// FileName returns the name for the given counter.
func (o Options) FileName(counter int) string {
	prefix := o.prefix()
	if o.Steps == nil {
		return fmt.Sprintf("%s_%05d_%s", prefix, counter, Extension)
	}
	return fmt.Sprintf("%s_%d_steps_%05d_%s", prefix, *o.Steps, counter, Extension)
}

func (o Options) prefix() string {
	if o.Prefix == "" {
		return DefaultPrefix
	}
	return o.Prefix
}

// Backend is what Saver needs from a remote backend.
type Backend interface {
	remote.Source
	remote.Uploader
}

// Saver writes LoRA files to remote folders.
type Saver struct {
	backend Backend
}

// NewSaver creates a Saver.
func NewSaver(backend Backend) *Saver {
	return &Saver{backend: backend}
}

// Save validates body as a safetensors file and uploads it to folderID with
// the next free counter for the prefix.
func (s *Saver) Save(ctx context.Context, folderID string, body io.ReadSeeker, size int64, opts Options) (models.RemoteAsset, error) {
	if err := models.ValidateFolderID(folderID); err != nil {
		return models.RemoteAsset{}, err
	}
	if err := ValidateHeader(body, size); err != nil {
		return models.RemoteAsset{}, err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return models.RemoteAsset{}, fmt.Errorf("rewind lora file: %w", err)
	}

	if _, err := s.backend.VerifyFolder(ctx, folderID); err != nil {
		return models.RemoteAsset{}, err
	}
	existing, err := s.backend.ListFiles(ctx, folderID)
	if err != nil {
		return models.RemoteAsset{}, err
	}

	name := opts.FileName(NextCounter(opts.prefix(), existing))
	start := time.Now()
	asset, err := s.backend.Upload(ctx, folderID, name, ContentType, body, size)
	metrics.RecordLoRAUpload(size, err == nil)
	if err != nil {
		return models.RemoteAsset{}, fmt.Errorf("upload %s: %w", name, err)
	}

	logging.Info("lora uploaded",
		logging.Folder(folderID),
		zap.String("name", name),
		zap.Int64("bytes", size),
		zap.Duration("elapsed", time.Since(start)))
	return asset, nil
}

// NextCounter returns one more than the highest counter used by files with
// prefix in existing, or 1 when there are none.
func NextCounter(prefix string, existing []models.RemoteAsset) int {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(?:\d+_steps_)?(\d{5,})_` + regexp.QuoteMeta(Extension) + `$`)
	highest := 0
	for _, a := range existing {
		m := re.FindStringSubmatch(a.Name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// ValidateHeader checks the safetensors framing: an 8-byte little-endian
// header length followed by a JSON object that fits in the file.
func ValidateHeader(r io.Reader, size int64) error {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("%w: short file: %v", models.ErrInvalidSafetensors, err)
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n < 2 || n > maxHeaderSize || int64(n) > size-8 {
		return fmt.Errorf("%w: header length %d out of range", models.ErrInvalidSafetensors, n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: truncated header: %v", models.ErrInvalidSafetensors, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(header, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: header is not a JSON object", models.ErrInvalidSafetensors)
	}
	return nil
}
