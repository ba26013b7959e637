// Package upload mirrors downloaded release files into the shared blob store,
// preserving the on-disk layout under a configurable key prefix.
package upload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/malston/release-monitor/metrics"
	"github.com/malston/release-monitor/storage"
)

// DefaultExtensions is the allow-list of file extensions eligible for upload.
var DefaultExtensions = []string{
	".tar", ".gz", ".tgz", ".zip",
	".yaml", ".yml", ".json", ".xml", ".toml",
	".deb", ".rpm", ".dmg", ".exe", ".msi",
}

// fileUploader is implemented by stores that stream large files themselves,
// like the S3 transfer manager.
type fileUploader interface {
	UploadFile(ctx context.Context, key, filename string) error
}

// Options configures an Uploader.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	// Extensions overrides DefaultExtensions when non-empty.
	Extensions []string

	// Metrics records upload counters when set.
	Metrics metrics.Metrics
}

// Result summarizes one upload pass.
type Result struct {
	Uploaded int   `json:"uploaded"`
	Failed   int   `json:"failed"`
	Bytes    int64 `json:"bytes"`
}

// Uploader pushes files from the download directory into a blob store.
type Uploader struct {
	log        *slog.Logger
	store      storage.BlobStore
	prefix     string
	extensions map[string]bool
	metrics    metrics.Metrics
}

// New creates an Uploader over the given store.
func New(log *slog.Logger, store storage.BlobStore, opts Options) *Uploader {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}
	return &Uploader{
		log:        log,
		store:      store,
		prefix:     opts.Prefix,
		extensions: allowed,
		metrics:    opts.Metrics,
	}
}

// Dir walks dir and uploads every allow-listed file, keyed by its path
// relative to dir. Individual upload failures are logged and counted; the
// pass continues.
func (u *Uploader) Dir(ctx context.Context, dir string) (Result, error) {
	var result Result
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !u.eligible(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(u.prefix, filepath.ToSlash(rel))

		size, err := u.upload(ctx, key, p)
		if err != nil {
			u.log.Error("failed to upload file",
				slog.String("path", p),
				slog.String("key", key),
				slog.String("error", err.Error()))
			result.Failed++
			return nil
		}
		u.log.Info("uploaded file", slog.String("key", key), slog.Int64("bytes", size))
		result.Uploaded++
		result.Bytes += size
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return result, nil
}

func (u *Uploader) eligible(name string) bool {
	return u.extensions[strings.ToLower(filepath.Ext(name))]
}

func (u *Uploader) upload(ctx context.Context, key, p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}

	if fu, ok := u.store.(fileUploader); ok {
		if err := fu.UploadFile(ctx, key, p); err != nil {
			return 0, err
		}
	} else {
		f, err := os.Open(p)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		if err := u.store.Put(ctx, key, f, info.Size()); err != nil {
			return 0, err
		}
	}
	u.metrics.IncrementUploaded(ctx, key, info.Size())
	return info.Size(), nil
}
