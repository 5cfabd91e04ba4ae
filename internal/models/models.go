// Package models contains the data types shared by the dataset loader,
// the mirror store and the remote backends.
package models

import (
	"fmt"
	"strings"
	"unicode"
)

// MinFolderIDLength is the shortest string accepted as a remote folder id.
// Drive folder ids are ~33 characters; anything shorter than this is almost
// always a human-readable folder name typed by mistake.
const MinFolderIDLength = 10

// ValidateFolderID checks that id looks like an opaque remote folder id.
func ValidateFolderID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFolderID)
	}
	if len(id) < MinFolderIDLength {
		return fmt.Errorf("%w: %q is shorter than %d characters", ErrInvalidFolderID, id, MinFolderIDLength)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidFolderID, id)
	}
	return nil
}

// FolderInfo describes a remote folder that passed the access check.
type FolderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RemoteAsset is one object listed in a remote folder.
type RemoteAsset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// AssetRef points at one side of a pair, either remote or in the mirror.
type AssetRef interface {
	// Name is the file name used for pairing and for the mirror copy.
	Name() string
	// Key identifies the bytes: a remote asset id or a local path.
	Key() string
}

// RemoteRef adapts a RemoteAsset to AssetRef.
type RemoteRef struct {
	Asset RemoteAsset
}

func (r RemoteRef) Name() string { return r.Asset.Name }
func (r RemoteRef) Key() string  { return r.Asset.ID }

// LocalFileRef is a file inside a mirror directory.
type LocalFileRef struct {
	Path string
}

func (l LocalFileRef) Name() string {
	if i := strings.LastIndexAny(l.Path, `/\`); i >= 0 {
		return l.Path[i+1:]
	}
	return l.Path
}

func (l LocalFileRef) Key() string { return l.Path }

// Pair is an image and a caption sharing one base name.
type Pair struct {
	BaseName string
	Image    AssetRef
	Caption  AssetRef
}

// Tensor is a dense float32 image batch in NHWC layout.
type Tensor struct {
	Shape [4]int // batch, height, width, channels
	Data  []float32
}

// Batch returns the number of images in the tensor.
func (t Tensor) Batch() int { return t.Shape[0] }

// Height returns the image height in pixels.
func (t Tensor) Height() int { return t.Shape[1] }

// Width returns the image width in pixels.
func (t Tensor) Width() int { return t.Shape[2] }

// Channels returns the number of channels per pixel.
func (t Tensor) Channels() int { return t.Shape[3] }

// At returns the value at batch n, row y, column x, channel c.
func (t Tensor) At(n, y, x, c int) float32 {
	return t.Data[((n*t.Shape[1]+y)*t.Shape[2]+x)*t.Shape[3]+c]
}

// Sample is a decoded pair: an RGB image tensor with a leading batch axis
// of one, and its caption text.
type Sample struct {
	BaseName string
	Image    Tensor
	Caption  string
}

// CacheState records which source served a resolution.
type CacheState int

const (
	// CacheMissAbsent means no mirror directory existed, or it was empty.
	CacheMissAbsent CacheState = iota
	// CacheMissEmpty means the mirror had files but none of them paired.
	CacheMissEmpty
	// CacheHit means every sample was decoded from the mirror.
	CacheHit
)

func (s CacheState) String() string {
	switch s {
	case CacheHit:
		return "hit"
	case CacheMissEmpty:
		return "miss_empty"
	case CacheMissAbsent:
		return "miss_absent"
	default:
		return fmt.Sprintf("CacheState(%d)", int(s))
	}
}
