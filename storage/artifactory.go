package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var _ BlobStore = (*Artifactory)(nil)

type ArtifactoryConfig struct {
	BaseURL    string
	Repository string
	Prefix     string
	APIKey     string
	Username   string
	Password   string
	VerifySSL  bool
	Timeout    time.Duration
}

// Artifactory implements BlobStore on a generic HTTP artifact repository.
// Authentication is an API key header when configured, basic credentials
// otherwise.
type Artifactory struct {
	client     *http.Client
	baseURL    string
	repository string
	prefix     string
	apiKey     string
	username   string
	password   string
}

func NewArtifactory(cfg ArtifactoryConfig) (*Artifactory, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("artifactory base URL is required")
	}
	if cfg.Repository == "" {
		return nil, fmt.Errorf("artifactory repository is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Artifactory{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		repository: cfg.Repository,
		prefix:     cfg.Prefix,
		apiKey:     cfg.APIKey,
		username:   cfg.Username,
		password:   cfg.Password,
	}, nil
}

func (a *Artifactory) url(key string) string {
	p := path.Join(a.repository, a.prefix, key)
	return a.baseURL + "/" + (&url.URL{Path: p}).EscapedPath()
}

func (a *Artifactory) authenticate(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("X-JFrog-Art-Api", a.apiKey)
		return
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
}

func (a *Artifactory) Stat(ctx context.Context, key string) (size int64, exists bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.url(key), nil)
	if err != nil {
		return 0, false, err
	}
	a.authenticate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	case resp.StatusCode != http.StatusOK:
		return 0, false, fmt.Errorf("HEAD %s: unexpected status %s", key, resp.Status)
	}
	return resp.ContentLength, true, nil
}

func (a *Artifactory) Get(ctx context.Context, key string) (r io.ReadCloser, exists bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(key), nil)
	if err != nil {
		return nil, false, err
	}
	a.authenticate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, false, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, false, fmt.Errorf("GET %s: unexpected status %s", key, resp.Status)
	}
	return resp.Body, true, nil
}

func (a *Artifactory) Put(ctx context.Context, key string, body io.Reader, length int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.url(key), body)
	if err != nil {
		return err
	}
	req.ContentLength = length
	a.authenticate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("PUT %s: unexpected status %s", key, resp.Status)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
