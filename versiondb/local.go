package versiondb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var _ Backend = (*LocalBackend)(nil)

// LocalBackend stores the document as a single JSON file. Saves go through a
// sibling temporary file renamed over the target, so readers never observe a
// partial document.
type LocalBackend struct {
	path string
	now  func() time.Time
}

// NewLocalBackend creates a local file backend at path.
func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{
		path: path,
		now:  time.Now,
	}
}

func (b *LocalBackend) Name() string {
	return "local"
}

func (b *LocalBackend) Load(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(b.Name(), b.now().UTC()), nil
		}
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrStorageUnavailable, b.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrStorageCorrupt, b.path, err)
	}
	if doc.Repositories == nil {
		doc.Repositories = map[string]*Record{}
	}
	return &doc, nil
}

func (b *LocalBackend) Save(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode document: %v", ErrStorageCorrupt, err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrStorageUnavailable, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temporary file: %v", ErrStorageUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write %s: %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %v", ErrStorageUnavailable, b.path, err)
	}
	return nil
}
