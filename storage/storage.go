// Package storage abstracts the shared blob stores that hold the version
// database document and mirrored release artifacts.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is the common surface over S3-compatible object stores and
// generic HTTP artifact repositories.
type BlobStore interface {
	// Stat returns the stored size of key and whether it exists.
	Stat(ctx context.Context, key string) (size int64, exists bool, err error)

	// Get opens key for reading. A missing key is not an error.
	Get(ctx context.Context, key string) (r io.ReadCloser, exists bool, err error)

	// Put creates or overwrites key with length bytes read from body. The
	// declared length is always transmitted to the store.
	Put(ctx context.Context, key string, body io.Reader, length int64) error
}

// FileSystem implements BlobStore on a local directory.
type FileSystem struct {
	basePath string
}

// NewFileSystem creates a new FileSystem blob store rooted at basePath.
func NewFileSystem(basePath string) *FileSystem {
	return &FileSystem{
		basePath: basePath,
	}
}

func (fs *FileSystem) Stat(ctx context.Context, key string) (int64, bool, error) {
	info, err := os.Stat(filepath.Join(fs.basePath, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (fs *FileSystem) Get(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	f, err := os.Open(filepath.Join(fs.basePath, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func (fs *FileSystem) Put(ctx context.Context, key string, body io.Reader, length int64) error {
	fullPath := filepath.Join(fs.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
