// Package mirror keeps a local on-disk copy of remote dataset folders.
//
// Each remote folder maps to one directory under the store root. A
// directory that exists and holds at least one file counts as populated;
// the store does not check that the files pair up or are intact.
package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

const tempPattern = ".cheaptrainer-*.tmp"

// Store manages mirror directories under a single root.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store on fsys rooted at root. Nothing is created until the
// first write.
func New(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

// NewOS creates a store on the real filesystem.
func NewOS(root string) *Store {
	return New(afero.NewOsFs(), root)
}

// Root returns the store root.
func (s *Store) Root() string { return s.root }

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// DirName returns the directory name used for folderID. Ids that are
// already a safe single path element are used as is; anything else is
// sanitized and suffixed with a short hash so distinct ids never collide.
func DirName(folderID string) string {
	if safeName(folderID) {
		return folderID
	}
	var b strings.Builder
	for _, r := range folderID {
		if isSafeRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	sum := sha256.Sum256([]byte(folderID))
	return b.String() + "-" + hex.EncodeToString(sum[:4])
}

func isSafeRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.'
}

func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if !isSafeRune(r) {
			return false
		}
	}
	return true
}

// Path returns the mirror directory for folderID.
func (s *Store) Path(folderID string) string {
	return filepath.Join(s.root, DirName(folderID))
}

// ValidName reports whether name can be stored as one file directly inside
// a mirror directory.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func (s *Store) filePath(folderID, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid mirror file name %q", name)
	}
	return filepath.Join(s.Path(folderID), name), nil
}

// IsPopulated reports whether the mirror directory exists and holds at
// least one file.
func (s *Store) IsPopulated(folderID string) (bool, error) {
	names, err := s.List(folderID)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// List returns the sorted file names in the mirror directory. A missing
// directory yields no names and no error.
func (s *Store) List(folderID string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.Path(folderID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mirror dir: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() || isTemp(info.Name()) {
			continue
		}
		names = append(names, info.Name())
	}
	slices.Sort(names)
	return names, nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".cheaptrainer-") && strings.HasSuffix(name, ".tmp")
}

// Write stores r as name in the mirror directory, creating the directory
// if needed and replacing any existing file of the same name.
// Content is written to a temp file and renamed into place.
func (s *Store) Write(folderID, name string, r io.Reader) (int64, error) {
	path, err := s.filePath(folderID, name)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create mirror dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, tempPattern)
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return 0, fmt.Errorf("close temp for %s: %w", name, err)
	}

	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return 0, fmt.Errorf("rename temp to %s: %w", name, err)
	}
	return written, nil
}

// Read returns the content of name in the mirror directory.
func (s *Store) Read(folderID, name string) ([]byte, error) {
	f, err := s.Open(folderID, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Open opens name in the mirror directory for reading.
func (s *Store) Open(folderID, name string) (afero.File, error) {
	path, err := s.filePath(folderID, name)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(path)
}

// Stats describes one mirror directory.
type Stats struct {
	Dir   string `json:"dir"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

// Stat returns file count and total size for one mirror directory.
func (s *Store) Stat(dir string) (Stats, error) {
	st := Stats{Dir: dir}
	infos, err := afero.ReadDir(s.fs, filepath.Join(s.root, dir))
	if err != nil {
		return st, fmt.Errorf("read mirror dir %s: %w", dir, err)
	}
	for _, info := range infos {
		if !info.Mode().IsRegular() || isTemp(info.Name()) {
			continue
		}
		st.Files++
		st.Bytes += info.Size()
	}
	return st, nil
}

// Dirs returns the names of all mirror directories, sorted.
func (s *Store) Dirs() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mirror root: %w", err)
	}
	var dirs []string
	for _, info := range infos {
		if info.IsDir() {
			dirs = append(dirs, info.Name())
		}
	}
	slices.Sort(dirs)
	return dirs, nil
}

// Remove deletes the mirror directory for folderID.
func (s *Store) Remove(folderID string) error {
	path := s.Path(folderID)
	if _, err := s.fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no mirror for %s", folderID)
	}
	return s.fs.RemoveAll(path)
}
