// Package versiondb tracks the last successfully downloaded release per
// repository. The database is a single JSON document replaced whole on every
// save; backends provide durability on the local filesystem, an S3-compatible
// bucket, or a generic HTTP artifact repository.
package versiondb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SchemaVersion is written into the document metadata on creation and
// preserved across updates.
const SchemaVersion = "2.0"

// DefaultKeepVersions bounds the download history kept per repository.
const DefaultKeepVersions = 5

var (
	// ErrStorageUnavailable wraps I/O failures talking to the backend.
	ErrStorageUnavailable = errors.New("version database storage unavailable")

	// ErrStorageCorrupt wraps structural or parse failures of a stored document.
	ErrStorageCorrupt = errors.New("version database corrupt")
)

// Metadata describes the document itself.
type Metadata struct {
	Version     string    `json:"version"`
	Storage     string    `json:"storage"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// HistoryEntry is one successful download of a repository release.
type HistoryEntry struct {
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	AssetCount int       `json:"asset_count"`
	TotalBytes int64     `json:"total_bytes"`
}

// Record is the per-repository row: the last installed tag and a bounded
// download history, newest last.
type Record struct {
	CurrentVersion  string         `json:"current_version"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUpdated     time.Time      `json:"last_updated"`
	DownloadHistory []HistoryEntry `json:"download_history"`
}

// Document is the full version database, keyed by "owner/repo".
type Document struct {
	Metadata     Metadata           `json:"metadata"`
	Repositories map[string]*Record `json:"repositories"`
}

// NewDocument returns an empty document for the named backend.
func NewDocument(backend string, now time.Time) *Document {
	return &Document{
		Metadata: Metadata{
			Version:     SchemaVersion,
			Storage:     backend,
			CreatedAt:   now,
			LastUpdated: now,
		},
		Repositories: map[string]*Record{},
	}
}

// Backend loads and saves the whole document. Load of a missing document
// returns an empty one; Save atomically replaces the persisted document
// within the backend's own concurrency guarantees (last writer wins on the
// remote stores).
type Backend interface {
	Name() string
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// Update carries the per-release metadata recorded alongside a version bump.
type Update struct {
	AssetCount int
	TotalBytes int64

	// KeepVersions bounds this repository's history, overriding the DB-wide
	// default when positive. Repositories can carry their own bound.
	KeepVersions int
}

// DB serializes all reads and writes of one backend within a process.
type DB struct {
	mu      sync.Mutex
	backend Backend
	keep    int
	now     func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithKeepVersions bounds per-repository history length. Values below one
// fall back to the default.
func WithKeepVersions(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.keep = n
		}
	}
}

// New creates a DB over the given backend.
func New(backend Backend, opts ...Option) *DB {
	db := &DB{
		backend: backend,
		keep:    DefaultKeepVersions,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Backend returns the name of the active backend.
func (db *DB) Backend() string {
	return db.backend.Name()
}

// Load returns the full persisted document.
func (db *DB) Load(ctx context.Context) (*Document, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.backend.Load(ctx)
}

// Save atomically replaces the persisted document.
func (db *DB) Save(ctx context.Context, doc *Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	doc.Metadata.LastUpdated = db.now().UTC()
	return db.backend.Save(ctx, doc)
}

// CurrentVersion returns the last installed tag for repoKey, if any.
func (db *DB) CurrentVersion(ctx context.Context, repoKey string) (version string, ok bool, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	doc, err := db.backend.Load(ctx)
	if err != nil {
		return "", false, err
	}
	rec, ok := doc.Repositories[repoKey]
	if !ok {
		return "", false, nil
	}
	return rec.CurrentVersion, true, nil
}

// UpdateVersion records a successful download of version for repoKey: it
// appends a history entry, trims history to the effective keep bound (the
// update's own when positive, the DB default otherwise), sets the current
// version and timestamps, and saves the document. Callers must only invoke it
// after every planned file has been fully written and verified.
func (db *DB) UpdateVersion(ctx context.Context, repoKey, version string, u Update) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	doc, err := db.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load version database: %w", err)
	}

	now := db.now().UTC()
	rec, ok := doc.Repositories[repoKey]
	if !ok {
		rec = &Record{CreatedAt: now}
		doc.Repositories[repoKey] = rec
	}

	rec.CurrentVersion = version
	rec.LastUpdated = now
	rec.DownloadHistory = append(rec.DownloadHistory, HistoryEntry{
		Version:    version,
		Timestamp:  now,
		AssetCount: u.AssetCount,
		TotalBytes: u.TotalBytes,
	})
	keep := db.keep
	if u.KeepVersions > 0 {
		keep = u.KeepVersions
	}
	if len(rec.DownloadHistory) > keep {
		rec.DownloadHistory = rec.DownloadHistory[len(rec.DownloadHistory)-keep:]
	}

	doc.Metadata.LastUpdated = now
	if err := db.backend.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to save version database: %w", err)
	}
	return nil
}
