package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestArtifactory(t *testing.T) {
	ctx := context.Background()

	objects := map[string][]byte{}
	var lastAuth, lastAPIKey string
	var lastContentLength int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		lastAPIKey = r.Header.Get("X-JFrog-Art-Api")
		switch r.Method {
		case http.MethodPut:
			lastContentLength = r.ContentLength
			data, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			objects[r.URL.Path] = data
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet, http.MethodHead:
			data, ok := objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.Method == http.MethodGet {
				w.Write(data)
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	t.Run("api key header is sent when configured", func(t *testing.T) {
		a, err := NewArtifactory(ArtifactoryConfig{
			BaseURL:    srv.URL,
			Repository: "generic-releases",
			Prefix:     "release-monitor",
			APIKey:     "secret-key",
			VerifySSL:  true,
		})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		body := []byte(`{"metadata":{"version":"2.0"}}`)
		if err := a.Put(ctx, "version_db.json", bytes.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("failed to put: %v", err)
		}
		if lastAPIKey != "secret-key" {
			t.Errorf("expected API key header, got %q", lastAPIKey)
		}
		if lastContentLength != int64(len(body)) {
			t.Errorf("expected content length %d, got %d", len(body), lastContentLength)
		}
		if _, ok := objects["/generic-releases/release-monitor/version_db.json"]; !ok {
			t.Errorf("object not stored under repository/prefix path, have %v", keys(objects))
		}
	})

	t.Run("basic auth is used without an api key", func(t *testing.T) {
		a, err := NewArtifactory(ArtifactoryConfig{
			BaseURL:    srv.URL,
			Repository: "generic-releases",
			Username:   "ci",
			Password:   "hunter2",
			VerifySSL:  true,
		})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		body := []byte("{}")
		if err := a.Put(ctx, "version_db.json", bytes.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("failed to put: %v", err)
		}
		if !strings.HasPrefix(lastAuth, "Basic ") {
			t.Errorf("expected basic auth header, got %q", lastAuth)
		}
	})

	t.Run("missing object is not an error", func(t *testing.T) {
		a, err := NewArtifactory(ArtifactoryConfig{
			BaseURL:    srv.URL,
			Repository: "generic-releases",
			VerifySSL:  true,
		})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		_, exists, err := a.Get(ctx, "missing.json")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exists {
			t.Error("expected missing object to report exists=false")
		}
	})

	t.Run("objects round-trip", func(t *testing.T) {
		a, err := NewArtifactory(ArtifactoryConfig{
			BaseURL:    srv.URL,
			Repository: "generic-releases",
			VerifySSL:  true,
		})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		body := []byte("artifact-bytes")
		if err := a.Put(ctx, "files/tool.tar.gz", bytes.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("failed to put: %v", err)
		}
		r, exists, err := a.Get(ctx, "files/tool.tar.gz")
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if !exists {
			t.Fatal("expected object to exist")
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("expected %q, got %q", body, got)
		}
	})

	t.Run("missing config is rejected", func(t *testing.T) {
		if _, err := NewArtifactory(ArtifactoryConfig{Repository: "r"}); err == nil {
			t.Error("expected error for missing base URL")
		}
		if _, err := NewArtifactory(ArtifactoryConfig{BaseURL: "http://x"}); err == nil {
			t.Error("expected error for missing repository")
		}
	})
}

func keys(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestFileSystem(t *testing.T) {
	ctx := context.Background()
	fs := NewFileSystem(t.TempDir())

	if _, exists, err := fs.Get(ctx, "absent/file"); err != nil || exists {
		t.Fatalf("expected absent file, got exists=%v err=%v", exists, err)
	}

	body := []byte("hello")
	if err := fs.Put(ctx, "dir/file.txt", bytes.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	size, exists, err := fs.Stat(ctx, "dir/file.txt")
	if err != nil || !exists {
		t.Fatalf("expected file to exist, got exists=%v err=%v", exists, err)
	}
	if size != int64(len(body)) {
		t.Errorf("expected size %d, got %d", len(body), size)
	}

	r, exists, err := fs.Get(ctx, "dir/file.txt")
	if err != nil || !exists {
		t.Fatalf("expected file to exist, got exists=%v err=%v", exists, err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, body) {
		t.Errorf("expected %q, got %q", body, got)
	}
}
