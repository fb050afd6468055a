// Package snapshot persists the last content of each remote target known
// to be in sync, one plain text file per Key.
//
// Writes go to a temporary file in the store directory and are renamed
// into place, so Load never observes a partially written snapshot. The
// previous snapshot is kept next to the new one with a ".bak" suffix.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is returned by Load when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

const (
	backupSuffix = ".bak"
	staleSuffix  = ".stale"
)

// IOError reports a failed snapshot read or write.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store reads and writes snapshots below a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a store rooted at dir on fs. The directory is created
// on the first write.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file holding the snapshot for key.
func (s *Store) Path(key Key) string {
	return filepath.Join(s.dir, string(key))
}

// Load returns the snapshot lines for key, or ErrNotFound.
func (s *Store) Load(key Key) ([]string, error) {
	path := s.Path(key)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return SplitLines(string(data)), nil
}

// Store replaces the snapshot for key with lines.
func (s *Store) Store(key Key, lines []string) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: s.dir, Err: err}
	}

	path := s.Path(key)
	tmp, err := afero.TempFile(s.fs, s.dir, ".tmp-"+string(key)+"-")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // no-op after a successful rename

	if _, err := tmp.WriteString(JoinLines(lines)); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := s.backup(path); err != nil {
		return err
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// backup copies the current snapshot to its .bak sibling. The current
// file stays in place until the rename replaces it.
func (s *Store) backup(path string) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "read", Path: path, Err: err}
	}
	if err := afero.WriteFile(s.fs, path+backupSuffix, data, 0o644); err != nil {
		return &IOError{Op: "backup", Path: path + backupSuffix, Err: err}
	}
	return nil
}

// Invalidate moves the snapshot for key aside so the next Load reports
// ErrNotFound and the next upload resyncs from scratch. The content is
// kept with a ".stale" suffix for inspection.
func (s *Store) Invalidate(key Key) error {
	path := s.Path(key)
	if err := s.fs.Rename(path, path+staleSuffix); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "invalidate", Path: path, Err: err}
	}
	return nil
}

// Exists reports whether a snapshot is stored for key.
func (s *Store) Exists(key Key) bool {
	ok, err := afero.Exists(s.fs, s.Path(key))
	return err == nil && ok
}

// SplitLines splits text into lines without their terminating newline.
// A final newline does not produce an empty trailing line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
