package versiondb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/malston/release-monitor/storage"
)

// DocumentKey is the object key of the version database within a blob store,
// relative to the store's configured prefix.
const DocumentKey = "version_db.json"

var _ Backend = (*BlobBackend)(nil)

// BlobBackend stores the document as a single object in a shared blob store
// (S3-compatible bucket or HTTP artifact repository). Concurrency is
// optimistic: the last writer wins.
type BlobBackend struct {
	name  string
	store storage.BlobStore
	now   func() time.Time
}

// NewBlobBackend wraps a blob store under the given backend tag, typically
// "s3" or "artifactory".
func NewBlobBackend(name string, store storage.BlobStore) *BlobBackend {
	return &BlobBackend{
		name:  name,
		store: store,
		now:   time.Now,
	}
}

func (b *BlobBackend) Name() string {
	return b.name
}

func (b *BlobBackend) Load(ctx context.Context) (*Document, error) {
	r, exists, err := b.store.Get(ctx, DocumentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s: %v", ErrStorageUnavailable, DocumentKey, err)
	}
	if !exists {
		return NewDocument(b.name, b.now().UTC()), nil
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrStorageUnavailable, DocumentKey, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrStorageCorrupt, DocumentKey, err)
	}
	if doc.Repositories == nil {
		doc.Repositories = map[string]*Record{}
	}
	return &doc, nil
}

func (b *BlobBackend) Save(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode document: %v", ErrStorageCorrupt, err)
	}
	if err := b.store.Put(ctx, DocumentKey, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("%w: failed to put %s: %v", ErrStorageUnavailable, DocumentKey, err)
	}
	return nil
}
