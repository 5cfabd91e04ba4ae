// Package pairing matches image files to caption files by base name.
//
// An image "cat.png" and a caption "cat.txt" form the pair "cat". Extension
// matching ignores case; base names must match exactly. When a folder holds
// several images (or captions) with the same base name, the one with the
// lexicographically smallest full name is used, so the result never depends
// on the order a backend enumerates files in.
package pairing

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

// ImageExtensions are the recognized image extensions, lower case.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// CaptionExtension is the recognized caption extension.
const CaptionExtension = ".txt"

// BaseName strips the final extension from name.
func BaseName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// IsImage reports whether name has a recognized image extension.
func IsImage(name string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(path.Ext(name)))
}

// IsCaption reports whether name has the caption extension.
func IsCaption(name string) bool {
	return strings.EqualFold(path.Ext(name), CaptionExtension)
}

// Partition is the classification of a set of items into images and
// captions keyed by base name.
type Partition[T models.AssetRef] struct {
	Images   map[string]T
	Captions map[string]T
	// Unpaired lists, sorted, the names that are neither part of a pair
	// nor ignored by extension: images without a caption and captions
	// without an image.
	Unpaired []string
}

// Classify splits items into image and caption maps. Items with other
// extensions are dropped.
func Classify[T models.AssetRef](items []T) Partition[T] {
	p := Partition[T]{
		Images:   make(map[string]T),
		Captions: make(map[string]T),
	}

	for _, item := range items {
		name := item.Name()
		var dst map[string]T
		switch {
		case IsImage(name):
			dst = p.Images
		case IsCaption(name):
			dst = p.Captions
		default:
			continue
		}
		key := BaseName(name)
		if prev, ok := dst[key]; ok && !less(item, prev) {
			continue
		}
		dst[key] = item
	}

	for key, img := range p.Images {
		if _, ok := p.Captions[key]; !ok {
			p.Unpaired = append(p.Unpaired, img.Name())
		}
	}
	for key, txt := range p.Captions {
		if _, ok := p.Images[key]; !ok {
			p.Unpaired = append(p.Unpaired, txt.Name())
		}
	}
	slices.Sort(p.Unpaired)
	return p
}

// less orders candidates for one key by full name, then by key. Drive
// allows duplicate names in a folder, so the key breaks the remaining tie.
func less(a, b models.AssetRef) bool {
	if a.Name() != b.Name() {
		return a.Name() < b.Name()
	}
	return a.Key() < b.Key()
}

// Pairs returns the intersection of image and caption keys as pairs,
// sorted by base name.
func (p Partition[T]) Pairs() []models.Pair {
	keys := make([]string, 0, len(p.Images))
	for key := range p.Images {
		if _, ok := p.Captions[key]; ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	pairs := make([]models.Pair, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, models.Pair{
			BaseName: key,
			Image:    p.Images[key],
			Caption:  p.Captions[key],
		})
	}
	return pairs
}

// Resolve pairs items and fails with models.ErrNoPairsFound when nothing
// pairs. source names the folder in the error.
func Resolve[T models.AssetRef](source string, items []T) ([]models.Pair, error) {
	pairs := Classify(items).Pairs()
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w in %s", models.ErrNoPairsFound, source)
	}
	return pairs, nil
}

// LocalRefs wraps plain file names, relative to dir, as local references.
func LocalRefs(dir string, names []string) []models.LocalFileRef {
	refs := make([]models.LocalFileRef, len(names))
	for i, name := range names {
		refs[i] = models.LocalFileRef{Path: filepath.Join(dir, name)}
	}
	return refs
}

// RemoteRefs wraps remote assets as references.
func RemoteRefs(assets []models.RemoteAsset) []models.RemoteRef {
	refs := make([]models.RemoteRef, len(assets))
	for i, a := range assets {
		refs[i] = models.RemoteRef{Asset: a}
	}
	return refs
}
