// Package config loads the YAML configuration document that names the
// monitored repositories and the download policy, applies defaults, and
// resolves per-repository overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malston/release-monitor/release"
)

// ErrInvalid marks configuration errors, surfaced before any I/O happens.
var ErrInvalid = errors.New("invalid configuration")

// Repository identifies one monitored upstream repository.
type Repository struct {
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
	Description string `yaml:"description,omitempty"`
}

// Key returns the canonical "owner/repo" key.
func (r Repository) Key() string {
	return release.Key(r.Owner, r.Repo)
}

// Settings are the discovery-side knobs.
type Settings struct {
	// RateLimitDelay is the minimum inter-API-call spacing in seconds.
	RateLimitDelay float64 `yaml:"rate_limit_delay"`

	// MaxReleasesPerRepo bounds releases returned per list call.
	MaxReleasesPerRepo int `yaml:"max_releases_per_repo"`

	// IncludePrereleases is the global default for prerelease eligibility.
	IncludePrereleases bool `yaml:"include_prereleases"`
}

// SourceArchives is the source archive policy.
type SourceArchives struct {
	Enabled      bool   `yaml:"enabled"`
	Prefer       string `yaml:"prefer"`
	FallbackOnly bool   `yaml:"fallback_only"`
}

// S3Storage configures the object-store version database backend.
type S3Storage struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	VerifySSL *bool  `yaml:"verify_ssl"`
}

// ArtifactoryStorage configures the artifact-repository backend.
type ArtifactoryStorage struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	Repository string `yaml:"repository"`
	PathPrefix string `yaml:"path_prefix"`
	VerifySSL  *bool  `yaml:"verify_ssl"`
}

// Override adjusts the download policy for a single repository. Nil fields
// inherit the defaults.
type Override struct {
	TargetVersion             string          `yaml:"target_version,omitempty"`
	AssetPatterns             []string        `yaml:"asset_patterns,omitempty"`
	IncludePrereleases        *bool           `yaml:"include_prereleases,omitempty"`
	StrictPrereleaseFiltering *bool           `yaml:"strict_prerelease_filtering,omitempty"`
	SourceArchives            *SourceArchives `yaml:"source_archives,omitempty"`
	KeepVersions              *int            `yaml:"keep_versions,omitempty"`
}

// Download is the download-side policy.
type Download struct {
	Enabled                   bool                `yaml:"enabled"`
	Directory                 string              `yaml:"directory"`
	VersionDB                 string              `yaml:"version_db"`
	AssetPatterns             []string            `yaml:"asset_patterns"`
	IncludePrereleases        *bool               `yaml:"include_prereleases"`
	StrictPrereleaseFiltering bool                `yaml:"strict_prerelease_filtering"`
	SourceArchives            SourceArchives      `yaml:"source_archives"`
	VerifyDownloads           bool                `yaml:"verify_downloads"`
	CleanupOldVersions        bool                `yaml:"cleanup_old_versions"`
	KeepVersions              int                 `yaml:"keep_versions"`
	Timeout                   int                 `yaml:"timeout"`
	MaxConcurrentRepositories int                 `yaml:"max_concurrent_repositories"`
	MaxConcurrentAssets       int                 `yaml:"max_concurrent_assets"`
	RepositoryOverrides       map[string]Override `yaml:"repository_overrides"`
	S3Storage                 S3Storage           `yaml:"s3_storage"`
	ArtifactoryStorage        ArtifactoryStorage  `yaml:"artifactory_storage"`
}

// Config is the full configuration document.
type Config struct {
	Repositories []Repository `yaml:"repositories"`
	Settings     Settings     `yaml:"settings"`
	Download     Download     `yaml:"download"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrInvalid, path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse: %v", ErrInvalid, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.RateLimitDelay == 0 {
		c.Settings.RateLimitDelay = 1.0
	}
	if c.Settings.MaxReleasesPerRepo == 0 {
		c.Settings.MaxReleasesPerRepo = 30
	}
	if c.Download.Directory == "" {
		c.Download.Directory = "downloads"
	}
	if c.Download.VersionDB == "" {
		c.Download.VersionDB = "version_db.json"
	}
	if c.Download.KeepVersions == 0 {
		c.Download.KeepVersions = 5
	}
	if c.Download.Timeout == 0 {
		c.Download.Timeout = 300
	}
	if c.Download.MaxConcurrentRepositories == 0 {
		c.Download.MaxConcurrentRepositories = 4
	}
	if c.Download.MaxConcurrentAssets == 0 {
		c.Download.MaxConcurrentAssets = 4
	}
	if c.Download.SourceArchives.Prefer == "" {
		c.Download.SourceArchives.Prefer = "tarball"
	}
}

func (c *Config) validate() error {
	if len(c.Repositories) == 0 {
		return fmt.Errorf("%w: no repositories configured", ErrInvalid)
	}
	seen := map[string]bool{}
	for i, r := range c.Repositories {
		if r.Owner == "" || r.Repo == "" {
			return fmt.Errorf("%w: repositories[%d] needs both owner and repo", ErrInvalid, i)
		}
		if seen[r.Key()] {
			return fmt.Errorf("%w: repository %s listed twice", ErrInvalid, r.Key())
		}
		seen[r.Key()] = true
	}
	switch c.Download.SourceArchives.Prefer {
	case "tarball", "zipball":
	default:
		return fmt.Errorf("%w: source_archives.prefer must be tarball or zipball, got %q", ErrInvalid, c.Download.SourceArchives.Prefer)
	}
	for key := range c.Download.RepositoryOverrides {
		if !seen[key] {
			return fmt.Errorf("%w: repository_overrides key %s does not match a configured repository", ErrInvalid, key)
		}
	}
	if c.Download.S3Storage.Enabled && c.Download.S3Storage.Bucket == "" {
		return fmt.Errorf("%w: s3_storage.bucket is required when s3_storage is enabled", ErrInvalid)
	}
	if c.Download.ArtifactoryStorage.Enabled && (c.Download.ArtifactoryStorage.BaseURL == "" || c.Download.ArtifactoryStorage.Repository == "") {
		return fmt.Errorf("%w: artifactory_storage needs base_url and repository when enabled", ErrInvalid)
	}
	return nil
}

// RateLimitDelay returns the configured API spacing as a duration.
func (c *Config) RateLimitDelay() time.Duration {
	return time.Duration(c.Settings.RateLimitDelay * float64(time.Second))
}

// DownloadTimeout returns the per-download timeout as a duration.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.Timeout) * time.Second
}

// Policy is the effective download policy for one repository after merging
// defaults with its override.
type Policy struct {
	TargetVersion             string
	AssetPatterns             []string
	IncludePrereleases        bool
	StrictPrereleaseFiltering bool
	SourceArchives            SourceArchives
	KeepVersions              int
}

// PolicyFor merges the download defaults with the override for repoKey. The
// download-level include_prereleases overrides the global setting, and the
// per-repository override wins over both.
func (c *Config) PolicyFor(repoKey string) Policy {
	p := Policy{
		AssetPatterns:             c.Download.AssetPatterns,
		IncludePrereleases:        c.Settings.IncludePrereleases,
		StrictPrereleaseFiltering: c.Download.StrictPrereleaseFiltering,
		SourceArchives:            c.Download.SourceArchives,
		KeepVersions:              c.Download.KeepVersions,
	}
	if c.Download.IncludePrereleases != nil {
		p.IncludePrereleases = *c.Download.IncludePrereleases
	}

	o, ok := c.Download.RepositoryOverrides[repoKey]
	if !ok {
		return p
	}
	p.TargetVersion = o.TargetVersion
	if o.AssetPatterns != nil {
		p.AssetPatterns = o.AssetPatterns
	}
	if o.IncludePrereleases != nil {
		p.IncludePrereleases = *o.IncludePrereleases
	}
	if o.StrictPrereleaseFiltering != nil {
		p.StrictPrereleaseFiltering = *o.StrictPrereleaseFiltering
	}
	if o.SourceArchives != nil {
		p.SourceArchives = *o.SourceArchives
	}
	if o.KeepVersions != nil {
		p.KeepVersions = *o.KeepVersions
	}
	return p
}

// BackendKind names the active version database backend.
type BackendKind string

const (
	BackendLocal       BackendKind = "local"
	BackendS3          BackendKind = "s3"
	BackendArtifactory BackendKind = "artifactory"
)

// StorageBackend selects the version database backend. Environment variables
// carrying store credentials take precedence over the configuration file, the
// artifactory store over S3, and the local file is the fallback. Exactly one
// backend is active per run.
func (c *Config) StorageBackend(getenv func(string) string) BackendKind {
	if getenv("ARTIFACTORY_BASE_URL") != "" && getenv("ARTIFACTORY_REPOSITORY") != "" {
		return BackendArtifactory
	}
	if getenv("VERSION_DB_S3_BUCKET") != "" {
		return BackendS3
	}
	if c.Download.ArtifactoryStorage.Enabled {
		return BackendArtifactory
	}
	if c.Download.S3Storage.Enabled {
		return BackendS3
	}
	return BackendLocal
}
