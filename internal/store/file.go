package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpSuffix = ".tmp"

// FileStore keeps each document as a file below a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at root. The directory is created
// on first write.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the base directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) filePath(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Get reads a document. Missing documents return nil, nil.
func (s *FileStore) Get(_ context.Context, p string) ([]byte, error) {
	fp, err := s.filePath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Put writes a document atomically: the content goes to a temporary file in
// the same directory which is then renamed over the target.
func (s *FileStore) Put(_ context.Context, p string, doc []byte) error {
	fp, err := s.filePath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fp), filepath.Base(fp)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", p, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", p, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", p, err)
	}
	if err := os.Rename(tmpName, fp); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

// Exists reports whether a document is present.
func (s *FileStore) Exists(_ context.Context, p string) (bool, error) {
	fp, err := s.filePath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return !info.IsDir(), nil
}

// List walks the directory containing prefix and returns matching document
// paths. Temporary files from interrupted writes are skipped.
func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	var paths []string
	err := filepath.WalkDir(dir, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, fp)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error {
	return nil
}
