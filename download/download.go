// Package download fetches release assets and source archives to the local
// download directory, verifying sizes and digests as bytes arrive. Files land
// under <dir>/<owner>_<repo>/<tag>/ next to a .sha256 sidecar.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malston/release-monitor/release"
)

const (
	maxAttempts    = 3
	initialBackoff = 2 * time.Second

	// DefaultTimeout bounds the wall clock of a single download attempt.
	DefaultTimeout = 300 * time.Second
)

// DownloadedFile describes a file stored on disk after verification.
type DownloadedFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Options configures a Downloader.
type Options struct {
	// Token is sent as a bearer credential on download requests.
	Token string

	// Timeout bounds each download attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// VerifyDigests enables comparison against provider-reported digests.
	VerifyDigests bool
}

// Downloader streams release files to disk. It is safe for concurrent use;
// fan-out bounds are enforced by the caller.
type Downloader struct {
	log     *slog.Logger
	client  *http.Client
	token   string
	timeout time.Duration
	verify  bool
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Downloader.
func New(log *slog.Logger, opts Options) *Downloader {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Downloader{
		log:     log,
		client:  &http.Client{},
		token:   opts.Token,
		timeout: timeout,
		verify:  opts.VerifyDigests,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dir returns the per-release directory under dir for the given release.
func Dir(dir string, rel release.Release) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s", rel.Owner, rel.Repo), rel.TagName)
}

// Asset downloads one release asset into dir, returning the stored file. An
// existing file that already matches the provider-reported size and digest is
// returned without re-downloading.
func (d *Downloader) Asset(ctx context.Context, rel release.Release, asset release.Asset, dir string) (DownloadedFile, error) {
	dest := filepath.Join(Dir(dir, rel), asset.Name)

	if f, ok := d.existing(dest, asset.Size, asset.Digest); ok {
		d.log.Debug("asset already downloaded", slog.String("path", dest))
		return f, nil
	}

	return d.fetch(ctx, asset.DownloadURL, dest, asset.Size, asset.Digest)
}

// existing checks whether dest already holds a verified copy.
func (d *Downloader) existing(dest string, size int64, digest string) (DownloadedFile, bool) {
	info, err := os.Stat(dest)
	if err != nil {
		return DownloadedFile{}, false
	}
	if size > 0 && info.Size() != size {
		return DownloadedFile{}, false
	}
	sum, err := fileSHA256(dest)
	if err != nil {
		return DownloadedFile{}, false
	}
	if expected, ok := digestHex(digest); ok && d.verify && sum != expected {
		return DownloadedFile{}, false
	}
	return DownloadedFile{Path: dest, Size: info.Size(), SHA256: sum}, true
}

// fetch downloads url to dest with retries, verifying declaredSize and digest
// when known, and writes the .sha256 sidecar on success.
func (d *Downloader) fetch(ctx context.Context, url, dest string, declaredSize int64, digest string) (DownloadedFile, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return DownloadedFile{}, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dest), err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		f, err := d.attempt(ctx, url, dest, declaredSize, digest)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return DownloadedFile{}, ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}
		delay := bo.NextBackOff()
		d.log.Warn("retrying download",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if err := d.sleep(ctx, delay); err != nil {
			return DownloadedFile{}, err
		}
	}
	return DownloadedFile{}, fmt.Errorf("download of %s failed after %d attempts: %w", url, maxAttempts, lastErr)
}

// attempt performs a single streaming download. Partial downloads are never
// resumed; every attempt starts fresh from a temporary file.
func (d *Downloader) attempt(ctx context.Context, url, dest string, declaredSize int64, digest string) (DownloadedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DownloadedFile{}, err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return DownloadedFile{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DownloadedFile{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	expectedSize := declaredSize
	if expectedSize <= 0 {
		expectedSize = resp.ContentLength
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return DownloadedFile{}, err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	written, err := copyStream(ctx, tmp, resp.Body, hasher)
	if err != nil {
		tmp.Close()
		return DownloadedFile{}, err
	}
	if err := tmp.Close(); err != nil {
		return DownloadedFile{}, err
	}

	if expectedSize > 0 && written != expectedSize {
		return DownloadedFile{}, fmt.Errorf("size mismatch: wrote %d bytes, expected %d", written, expectedSize)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if expected, ok := digestHex(digest); ok && d.verify && sum != expected {
		return DownloadedFile{}, fmt.Errorf("digest mismatch: computed %s, expected %s", sum, expected)
	}

	if err := os.WriteFile(dest+".sha256", []byte(sum), 0644); err != nil {
		return DownloadedFile{}, fmt.Errorf("failed to write checksum sidecar: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return DownloadedFile{}, err
	}

	d.log.Info("downloaded file",
		slog.String("path", dest),
		slog.Int64("bytes", written),
		slog.String("sha256", sum))
	return DownloadedFile{Path: dest, Size: written, SHA256: sum}, nil
}

// copyStream copies body to f while feeding the hash, honoring cancellation
// between chunks.
func copyStream(ctx context.Context, f *os.File, body io.Reader, hasher hash.Hash) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			hasher.Write(buf[:n])
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// digestHex extracts the hex digest from a provider-reported value of the
// form "sha256:<hex>". Other algorithms are ignored.
func digestHex(digest string) (string, bool) {
	h, ok := strings.CutPrefix(digest, "sha256:")
	if !ok || h == "" {
		return "", false
	}
	return strings.ToLower(h), true
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
