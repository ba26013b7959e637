package upload

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/malston/release-monitor/storage"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestDir(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("uploads allow-listed files preserving layout", func(t *testing.T) {
		src := t.TempDir()
		writeFile(t, src, "kubernetes_kubernetes/v1.2.3/server.tar.gz", "binary")
		writeFile(t, src, "kubernetes_kubernetes/v1.2.3/server.tar.gz.sha256", "digest")
		writeFile(t, src, "prometheus_prometheus/v2.50.0/prometheus.zip", "zipped")
		writeFile(t, src, "notes.txt", "skip me")

		dstDir := t.TempDir()
		dst := storage.NewFileSystem(dstDir)
		u := New(log, dst, Options{Prefix: "release-monitor"})

		result, err := u.Dir(ctx, src)
		if err != nil {
			t.Fatalf("failed to upload: %v", err)
		}
		if result.Uploaded != 2 {
			t.Errorf("expected 2 uploads, got %d", result.Uploaded)
		}
		if result.Failed != 0 {
			t.Errorf("expected no failures, got %d", result.Failed)
		}
		if result.Bytes != int64(len("binary")+len("zipped")) {
			t.Errorf("unexpected byte count %d", result.Bytes)
		}

		for _, key := range []string{
			"release-monitor/kubernetes_kubernetes/v1.2.3/server.tar.gz",
			"release-monitor/prometheus_prometheus/v2.50.0/prometheus.zip",
		} {
			if _, err := os.Stat(filepath.Join(dstDir, filepath.FromSlash(key))); err != nil {
				t.Errorf("expected %s to be uploaded: %v", key, err)
			}
		}
		// .sha256 sidecars and .txt files are not on the allow-list.
		if _, err := os.Stat(filepath.Join(dstDir, "release-monitor", "notes.txt")); !errors.Is(err, fs.ErrNotExist) {
			t.Error("notes.txt must not be uploaded")
		}
	})

	t.Run("individual failures are counted and do not stop the pass", func(t *testing.T) {
		src := t.TempDir()
		writeFile(t, src, "a/tool.tar.gz", "a")
		writeFile(t, src, "b/tool.tar.gz", "b")

		u := New(log, failOn{storage.NewFileSystem(t.TempDir()), "release-monitor/a/tool.tar.gz"}, Options{Prefix: "release-monitor"})
		result, err := u.Dir(ctx, src)
		if err != nil {
			t.Fatalf("unexpected walk error: %v", err)
		}
		if result.Uploaded != 1 || result.Failed != 1 {
			t.Errorf("expected 1 uploaded and 1 failed, got %+v", result)
		}
	})
}

// failOn wraps a store and fails Put for one key.
type failOn struct {
	storage.BlobStore
	key string
}

func (f failOn) Put(ctx context.Context, key string, body io.Reader, length int64) error {
	if key == f.key {
		return errors.New("boom")
	}
	return f.BlobStore.Put(ctx, key, body, length)
}
