// Package release defines the immutable descriptors exchanged between
// discovery and download: upstream releases, their assets, and the monitor
// output document handed to downstream jobs.
package release

import (
	"fmt"
	"time"
)

// Key returns the canonical "owner/repo" form used to key every domain
// entity. Case-sensitive.
func Key(owner, repo string) string {
	return fmt.Sprintf("%s/%s", owner, repo)
}

// Asset is a single file attached to a release by its author.
type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

// Release is an immutable snapshot of an upstream tagged release. Descriptors
// live for a single run; all mutation happens on the version database side.
type Release struct {
	Owner       string    `json:"owner"`
	Repo        string    `json:"repo"`
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	HTMLURL     string    `json:"html_url,omitempty"`
	TarballURL  string    `json:"tarball_url,omitempty"`
	ZipballURL  string    `json:"zipball_url,omitempty"`
	Assets      []Asset   `json:"assets"`
}

// Key returns the canonical repository key for the release.
func (r Release) Key() string {
	return Key(r.Owner, r.Repo)
}

// MonitorOutput is the document written by a discovery-only run and consumed
// by a later download run. It is overwritten whole each run, and a repository
// key appears at most once in Releases.
type MonitorOutput struct {
	Timestamp                time.Time `json:"timestamp"`
	TotalRepositoriesChecked int       `json:"total_repositories_checked"`
	NewReleasesFound         int       `json:"new_releases_found"`
	Releases                 []Release `json:"releases"`
}
