// Package coordinator drives the release pipeline: it obtains release
// descriptors for every configured repository, decides download or skip
// against the version database, executes download plans with bounded fan-out,
// and commits state only after a whole plan succeeds.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/malston/release-monitor/config"
	"github.com/malston/release-monitor/download"
	"github.com/malston/release-monitor/metrics"
	"github.com/malston/release-monitor/pattern"
	"github.com/malston/release-monitor/release"
	"github.com/malston/release-monitor/version"
	"github.com/malston/release-monitor/versiondb"
)

// ReleaseSource yields the newest release of a repository, or nil when there
// is none.
type ReleaseSource interface {
	LatestRelease(ctx context.Context, owner, repo string) (*release.Release, error)
}

// VersionStore is the durable state consulted and updated by the pipeline.
type VersionStore interface {
	Load(ctx context.Context) (*versiondb.Document, error)
	CurrentVersion(ctx context.Context, repoKey string) (string, bool, error)
	UpdateVersion(ctx context.Context, repoKey, version string, u versiondb.Update) error
}

// Fetcher downloads release files to the local directory.
type Fetcher interface {
	Asset(ctx context.Context, rel release.Release, asset release.Asset, dir string) (download.DownloadedFile, error)
	Source(ctx context.Context, rel release.Release, format download.ArchiveFormat, dir string) (download.DownloadedFile, error)
}

// Coordinator wires the pipeline together for one run.
type Coordinator struct {
	log     *slog.Logger
	cfg     *config.Config
	source  ReleaseSource
	db      VersionStore
	fetcher Fetcher
	metrics metrics.Metrics
	now     func() time.Time
}

// New creates a Coordinator.
func New(log *slog.Logger, cfg *config.Config, source ReleaseSource, db VersionStore, fetcher Fetcher, m metrics.Metrics) *Coordinator {
	return &Coordinator{
		log:     log,
		cfg:     cfg,
		source:  source,
		db:      db,
		fetcher: fetcher,
		metrics: m,
		now:     time.Now,
	}
}

// Monitor checks every configured repository and returns the monitor output
// document: the releases that are new relative to the version database. It
// downloads nothing.
func (c *Coordinator) Monitor(ctx context.Context) (*release.MonitorOutput, error) {
	if _, err := c.db.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load version database: %w", err)
	}

	out := &release.MonitorOutput{
		Timestamp: c.now().UTC(),
	}
	for _, repo := range c.cfg.Repositories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.TotalRepositoriesChecked++
		c.metrics.IncrementChecked(ctx, repo.Key())

		rel, err := c.source.LatestRelease(ctx, repo.Owner, repo.Repo)
		if err != nil {
			c.log.Error("failed to check repository",
				slog.String("repository", repo.Key()),
				slog.String("error", err.Error()))
			continue
		}
		if rel == nil {
			c.log.Info("no releases", slog.String("repository", repo.Key()))
			continue
		}

		stored, ok, err := c.db.CurrentVersion(ctx, repo.Key())
		if err != nil {
			return nil, fmt.Errorf("failed to read version database: %w", err)
		}
		if ok && !version.IsNewer(rel.TagName, stored) {
			c.log.Debug("no new release",
				slog.String("repository", repo.Key()),
				slog.String("tag", rel.TagName),
				slog.String("stored", stored))
			continue
		}

		out.NewReleasesFound++
		out.Releases = append(out.Releases, *rel)
		c.log.Info("new release found",
			slog.String("repository", repo.Key()),
			slog.String("tag", rel.TagName))
	}
	return out, nil
}

// Run executes the full pipeline. When input is non-nil its releases are used
// instead of live discovery, so discovery and download can run as separate
// jobs. Per-repository failures are captured in the report; only
// configuration and version database load errors abort the run.
func (c *Coordinator) Run(ctx context.Context, input *release.MonitorOutput) (*RunReport, error) {
	if _, err := c.db.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load version database: %w", err)
	}

	var supplied map[string]*release.Release
	if input != nil {
		supplied = make(map[string]*release.Release, len(input.Releases))
		for i := range input.Releases {
			rel := input.Releases[i]
			supplied[rel.Key()] = &rel
		}
	}

	report := &RunReport{StartedAt: c.now().UTC()}
	results := make([]RepoResult, len(c.cfg.Repositories))

	repoSem := semaphore.NewWeighted(int64(c.cfg.Download.MaxConcurrentRepositories))
	var wg sync.WaitGroup
	for i, repo := range c.cfg.Repositories {
		// Stop handing out work once cancelled; finished results stand.
		if err := repoSem.Acquire(ctx, 1); err != nil {
			results[i] = RepoResult{Repository: repo.Key(), Decision: Failed, Reason: "cancelled before start"}
			continue
		}
		wg.Add(1)
		go func(i int, repo config.Repository) {
			defer wg.Done()
			defer repoSem.Release(1)
			results[i] = c.processRepository(ctx, repo, supplied)
		}(i, repo)
	}
	wg.Wait()

	report.Results = results
	report.FinishedAt = c.now().UTC()
	report.summarize()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (c *Coordinator) processRepository(ctx context.Context, repo config.Repository, supplied map[string]*release.Release) RepoResult {
	key := repo.Key()
	c.metrics.IncrementChecked(ctx, key)

	var rel *release.Release
	if supplied != nil {
		rel = supplied[key]
	} else {
		var err error
		rel, err = c.source.LatestRelease(ctx, repo.Owner, repo.Repo)
		if err != nil {
			return RepoResult{Repository: key, Decision: Failed, Reason: fmt.Sprintf("failed to fetch latest release: %v", err)}
		}
	}
	if rel == nil {
		return RepoResult{Repository: key, Decision: SkippedVersion, Reason: "no releases found"}
	}

	result := c.decide(ctx, *rel)
	if result.Decision != Downloaded {
		c.log.Info("release skipped",
			slog.String("repository", key),
			slog.String("tag", rel.TagName),
			slog.String("decision", string(result.Decision)),
			slog.String("reason", result.Reason))
		return result
	}

	return c.execute(ctx, *rel, result.plan)
}

// plan is the set of files chosen for download for one release, together
// with the repository's effective keep bound for the commit.
type plan struct {
	assets       []release.Asset
	archive      *download.ArchiveFormat
	keepVersions int
}

func (p plan) size() int {
	n := len(p.assets)
	if p.archive != nil {
		n++
	}
	return n
}

// decide applies the decision procedure in order; the first condition to fire
// wins. A Downloaded result carries the plan to execute.
func (c *Coordinator) decide(ctx context.Context, rel release.Release) RepoResult {
	key := rel.Key()
	policy := c.cfg.PolicyFor(key)
	result := RepoResult{Repository: key, Tag: rel.TagName}

	// Drafts are never eligible.
	if rel.Draft {
		result.Decision = SkippedPattern
		result.Reason = "draft release"
		return result
	}

	if policy.TargetVersion != "" {
		if normalizeTag(rel.TagName) != normalizeTag(policy.TargetVersion) {
			result.Decision = SkippedPattern
			result.Reason = fmt.Sprintf("tag %s does not match pinned target %s", rel.TagName, policy.TargetVersion)
			return result
		}
	}

	if !policy.IncludePrereleases {
		if rel.Prerelease {
			result.Decision = SkippedPrerelease
			result.Reason = "release is flagged prerelease"
			return result
		}
		if policy.StrictPrereleaseFiltering && version.IsPrerelease(rel.TagName) {
			result.Decision = SkippedPrerelease
			result.Reason = fmt.Sprintf("tag %s looks like a prerelease", rel.TagName)
			return result
		}
	}

	stored, ok, err := c.db.CurrentVersion(ctx, key)
	if err != nil {
		result.Decision = Failed
		result.Reason = fmt.Sprintf("failed to read version database: %v", err)
		return result
	}
	if ok && !version.IsNewer(rel.TagName, stored) {
		result.Decision = SkippedVersion
		result.Reason = fmt.Sprintf("tag %s is not newer than stored %s", rel.TagName, stored)
		return result
	}

	p := plan{keepVersions: policy.KeepVersions}
	for _, a := range rel.Assets {
		if pattern.Matches(a.Name, policy.AssetPatterns) {
			p.assets = append(p.assets, a)
		}
	}
	sa := policy.SourceArchives
	if sa.Enabled && (!sa.FallbackOnly || len(p.assets) == 0) {
		format := download.Tarball
		if sa.Prefer == "zipball" {
			format = download.Zipball
		}
		p.archive = &format
	}
	if p.size() == 0 {
		result.Decision = SkippedPattern
		result.Reason = "no assets match the configured patterns"
		return result
	}

	result.Decision = Downloaded
	result.Reason = fmt.Sprintf("new release %s", rel.TagName)
	result.plan = p
	return result
}

// execute downloads every planned file with bounded fan-out, then commits.
// In-flight downloads are allowed to finish (or hit their own timeout) on
// cancellation; no new ones start.
func (c *Coordinator) execute(ctx context.Context, rel release.Release, p plan) RepoResult {
	key := rel.Key()
	result := RepoResult{Repository: key, Tag: rel.TagName}
	dir := c.cfg.Download.Directory

	downloadCtx := context.WithoutCancel(ctx)
	assetSem := semaphore.NewWeighted(int64(c.cfg.Download.MaxConcurrentAssets))

	var mu sync.Mutex
	var files []download.DownloadedFile
	var failures []string

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range p.assets {
		g.Go(func() error {
			if err := assetSem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: cancelled", asset.Name))
				mu.Unlock()
				return nil
			}
			defer assetSem.Release(1)

			f, err := c.fetcher.Asset(downloadCtx, rel, asset, dir)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", asset.Name, err))
				return nil
			}
			files = append(files, f)
			return nil
		})
	}
	if p.archive != nil {
		g.Go(func() error {
			if err := assetSem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				failures = append(failures, "source archive: cancelled")
				mu.Unlock()
				return nil
			}
			defer assetSem.Release(1)

			f, err := c.fetcher.Source(downloadCtx, rel, *p.archive, dir)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Sprintf("source archive: %v", err))
				return nil
			}
			files = append(files, f)
			return nil
		})
	}
	_ = g.Wait()

	result.Files = files
	if len(failures) > 0 {
		result.Decision = Failed
		result.Reason = fmt.Sprintf("%d of %d planned files failed: %s", len(failures), p.size(), strings.Join(failures, "; "))
		return result
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}
	// A plan that finished commits even if cancellation arrived meanwhile.
	// The repository's own keep bound rides along for the history trim.
	if err := c.db.UpdateVersion(downloadCtx, key, rel.TagName, versiondb.Update{
		AssetCount:   len(files),
		TotalBytes:   totalBytes,
		KeepVersions: p.keepVersions,
	}); err != nil {
		// Partial-progress fault: files stay on disk and the release will be
		// re-evaluated next run.
		result.Decision = Failed
		result.Reason = fmt.Sprintf("downloads complete but version database update failed: %v", err)
		return result
	}

	c.metrics.IncrementDownloaded(ctx, key, totalBytes)
	c.log.Info("release downloaded",
		slog.String("repository", key),
		slog.String("tag", rel.TagName),
		slog.Int("files", len(files)),
		slog.Int64("bytes", totalBytes))

	result.Decision = Downloaded
	result.Reason = fmt.Sprintf("downloaded %d files", len(files))

	if c.cfg.Download.CleanupOldVersions {
		c.cleanup(ctx, rel)
	}
	return result
}

// cleanup prunes local per-repository tag directories beyond the newest
// keep_versions entries of the download history. Best effort.
func (c *Coordinator) cleanup(ctx context.Context, rel release.Release) {
	doc, err := c.db.Load(ctx)
	if err != nil {
		c.log.Warn("cleanup skipped", slog.String("error", err.Error()))
		return
	}
	rec, ok := doc.Repositories[rel.Key()]
	if !ok {
		return
	}
	keep := make(map[string]bool, len(rec.DownloadHistory))
	for _, h := range rec.DownloadHistory {
		keep[h.Version] = true
	}

	repoDir := filepath.Join(c.cfg.Download.Directory, fmt.Sprintf("%s_%s", rel.Owner, rel.Repo))
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		c.log.Warn("cleanup skipped", slog.String("dir", repoDir), slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		old := filepath.Join(repoDir, e.Name())
		if err := os.RemoveAll(old); err != nil {
			c.log.Warn("failed to prune old version", slog.String("dir", old), slog.String("error", err.Error()))
			continue
		}
		c.log.Info("pruned old version", slog.String("dir", old))
	}
}

// normalizeTag strips the optional v prefix for pin comparison.
func normalizeTag(tag string) string {
	if len(tag) > 1 && (tag[0] == 'v' || tag[0] == 'V') {
		return tag[1:]
	}
	return tag
}
