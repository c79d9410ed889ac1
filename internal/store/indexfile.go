package store

import (
	"os"
	"path/filepath"
	"sync"

	apperrors "loom/internal/errors"
)

// IndexFile is the single global index document served by GET/PUT
// /index. Writes go through a temp file and rename so readers never see
// a torn document.
type IndexFile struct {
	path string
	mu   sync.RWMutex
}

// NewIndexFile points the index at a file path; the file may not exist
// yet.
func NewIndexFile(path string) *IndexFile {
	return &IndexFile{path: path}
}

// Path returns where the index lives.
func (f *IndexFile) Path() string { return f.path }

// Get reads the index content. A missing file reads as empty.
func (f *IndexFile) Get() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.CodeInternal, "read index file %s", f.path)
	}
	return string(data), nil
}

// Put replaces the index content atomically.
func (f *IndexFile) Put(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeInternal, "create index directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "create index temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperrors.Wrap(err, apperrors.CodeInternal, "write index temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Wrap(err, apperrors.CodeInternal, "close index temp file")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Wrapf(err, apperrors.CodeInternal, "replace index file %s", f.path)
	}
	return nil
}
