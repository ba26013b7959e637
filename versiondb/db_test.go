package versiondb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/malston/release-monitor/storage"
)

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file loads an empty document", func(t *testing.T) {
		b := NewLocalBackend(filepath.Join(t.TempDir(), "version_db.json"))
		doc, err := b.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if doc.Metadata.Version != SchemaVersion {
			t.Errorf("expected schema %q, got %q", SchemaVersion, doc.Metadata.Version)
		}
		if doc.Metadata.Storage != "local" {
			t.Errorf("expected storage tag local, got %q", doc.Metadata.Storage)
		}
		if len(doc.Repositories) != 0 {
			t.Errorf("expected no repositories, got %d", len(doc.Repositories))
		}
	})

	t.Run("documents round-trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "version_db.json")
		b := NewLocalBackend(path)

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		doc := NewDocument("local", now)
		doc.Repositories["kubernetes/kubernetes"] = &Record{
			CurrentVersion: "v1.2.3",
			CreatedAt:      now,
			LastUpdated:    now,
			DownloadHistory: []HistoryEntry{
				{Version: "v1.2.3", Timestamp: now, AssetCount: 2, TotalBytes: 2048},
			},
		}
		if err := b.Save(ctx, doc); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		loaded, err := b.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if diff := cmp.Diff(doc, loaded); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("save leaves no temporary files behind", func(t *testing.T) {
		dir := t.TempDir()
		b := NewLocalBackend(filepath.Join(dir, "version_db.json"))
		if err := b.Save(ctx, NewDocument("local", time.Now())); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to read dir: %v", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("temporary file left behind: %s", e.Name())
			}
		}
		if len(entries) != 1 {
			t.Errorf("expected exactly the database file, got %d entries", len(entries))
		}
	})

	t.Run("corrupt document surfaces as StorageCorrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "version_db.json")
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		_, err := NewLocalBackend(path).Load(ctx)
		if !errors.Is(err, ErrStorageCorrupt) {
			t.Errorf("expected ErrStorageCorrupt, got %v", err)
		}
	})
}

func TestBlobBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("missing object loads an empty document with the backend tag", func(t *testing.T) {
		b := NewBlobBackend("s3", storage.NewFileSystem(t.TempDir()))
		doc, err := b.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if doc.Metadata.Storage != "s3" {
			t.Errorf("expected storage tag s3, got %q", doc.Metadata.Storage)
		}
	})

	t.Run("documents round-trip through the store", func(t *testing.T) {
		b := NewBlobBackend("artifactory", storage.NewFileSystem(t.TempDir()))
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		doc := NewDocument("artifactory", now)
		doc.Repositories["prometheus/prometheus"] = &Record{
			CurrentVersion: "v2.50.0",
			CreatedAt:      now,
			LastUpdated:    now,
			DownloadHistory: []HistoryEntry{
				{Version: "v2.50.0", Timestamp: now, AssetCount: 1, TotalBytes: 100},
			},
		}
		if err := b.Save(ctx, doc); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		loaded, err := b.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if diff := cmp.Diff(doc, loaded); diff != "" {
			t.Error(diff)
		}
	})
}

func TestDBUpdateVersion(t *testing.T) {
	ctx := context.Background()

	newDB := func(t *testing.T, opts ...Option) *DB {
		t.Helper()
		db := New(NewLocalBackend(filepath.Join(t.TempDir(), "version_db.json")), opts...)
		return db
	}

	t.Run("first update creates the record", func(t *testing.T) {
		db := newDB(t)
		if err := db.UpdateVersion(ctx, "kubernetes/kubernetes", "v1.2.3", Update{AssetCount: 1, TotalBytes: 100}); err != nil {
			t.Fatalf("failed to update: %v", err)
		}

		v, ok, err := db.CurrentVersion(ctx, "kubernetes/kubernetes")
		if err != nil {
			t.Fatalf("failed to read current version: %v", err)
		}
		if !ok || v != "v1.2.3" {
			t.Errorf("expected v1.2.3, got %q (ok=%v)", v, ok)
		}
	})

	t.Run("unknown repository has no current version", func(t *testing.T) {
		db := newDB(t)
		_, ok, err := db.CurrentVersion(ctx, "unknown/repo")
		if err != nil {
			t.Fatalf("failed to read current version: %v", err)
		}
		if ok {
			t.Error("expected no version for unknown repository")
		}
	})

	t.Run("current version always equals the newest history entry", func(t *testing.T) {
		db := newDB(t)
		for _, v := range []string{"v1.0.0", "v1.1.0", "v1.2.0"} {
			if err := db.UpdateVersion(ctx, "etcd-io/etcd", v, Update{}); err != nil {
				t.Fatalf("failed to update: %v", err)
			}
		}
		doc, err := db.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		rec := doc.Repositories["etcd-io/etcd"]
		if rec == nil {
			t.Fatal("record missing")
		}
		latest := rec.DownloadHistory[len(rec.DownloadHistory)-1]
		if rec.CurrentVersion != latest.Version {
			t.Errorf("current version %q does not match newest history entry %q", rec.CurrentVersion, latest.Version)
		}
	})

	t.Run("history is trimmed to keep versions", func(t *testing.T) {
		db := newDB(t, WithKeepVersions(3))
		for _, v := range []string{"v1", "v2", "v3", "v4", "v5"} {
			if err := db.UpdateVersion(ctx, "golang/go", v, Update{}); err != nil {
				t.Fatalf("failed to update: %v", err)
			}
		}
		doc, err := db.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		rec := doc.Repositories["golang/go"]
		if len(rec.DownloadHistory) != 3 {
			t.Fatalf("expected history of 3, got %d", len(rec.DownloadHistory))
		}
		expected := []string{"v3", "v4", "v5"}
		for i, e := range rec.DownloadHistory {
			if e.Version != expected[i] {
				t.Errorf("history[%d] = %q, expected %q", i, e.Version, expected[i])
			}
		}
		if rec.CurrentVersion != "v5" {
			t.Errorf("expected current version v5, got %q", rec.CurrentVersion)
		}
	})

	t.Run("per-update keep bound overrides the default", func(t *testing.T) {
		db := newDB(t, WithKeepVersions(5))
		for _, v := range []string{"v1", "v2", "v3", "v4"} {
			if err := db.UpdateVersion(ctx, "etcd-io/etcd", v, Update{KeepVersions: 2}); err != nil {
				t.Fatalf("failed to update: %v", err)
			}
		}
		doc, err := db.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		rec := doc.Repositories["etcd-io/etcd"]
		if len(rec.DownloadHistory) != 2 {
			t.Fatalf("expected history of 2, got %d", len(rec.DownloadHistory))
		}
		expected := []string{"v3", "v4"}
		for i, e := range rec.DownloadHistory {
			if e.Version != expected[i] {
				t.Errorf("history[%d] = %q, expected %q", i, e.Version, expected[i])
			}
		}
	})

	t.Run("schema version survives updates", func(t *testing.T) {
		db := newDB(t)
		if err := db.UpdateVersion(ctx, "helm/helm", "v3.14.0", Update{}); err != nil {
			t.Fatalf("failed to update: %v", err)
		}
		doc, err := db.Load(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if doc.Metadata.Version != SchemaVersion {
			t.Errorf("expected schema %q, got %q", SchemaVersion, doc.Metadata.Version)
		}
	})
}
