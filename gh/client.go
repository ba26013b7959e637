// Package gh talks to the GitHub releases API with rate-limit and retry
// discipline. Requests from a single client are spaced by a token-bucket
// limiter so the configured delay is a lower bound on inter-request spacing.
package gh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/malston/release-monitor/release"
)

var (
	// ErrCredentialMissing indicates no API token could be resolved.
	ErrCredentialMissing = errors.New("github credential missing")

	// ErrCredentialRejected indicates the API refused the supplied token.
	// Never retried.
	ErrCredentialRejected = errors.New("github credential rejected")
)

const (
	defaultRateLimitDelay = time.Second
	defaultTimeout        = 30 * time.Second
	defaultMaxReleases    = 30
	maxAttempts           = 3
	initialBackoff        = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	// Token authenticates API calls. Resolved from $GITHUB_TOKEN when empty.
	Token string

	// RateLimitDelay is the minimum spacing between API requests.
	RateLimitDelay time.Duration

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxReleasesPerRepo bounds the page size of release list calls.
	MaxReleasesPerRepo int

	// SkipPrereleases skips prerelease entries when falling back to the
	// release list.
	SkipPrereleases bool

	// BaseURL points the client at a GitHub Enterprise or test endpoint.
	BaseURL string
}

// Client fetches release descriptors for configured repositories.
type Client struct {
	api             *github.Client
	log             *slog.Logger
	limiter         *rate.Limiter
	maxReleases     int
	skipPrereleases bool
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

// NewClient creates a Client. A token is required; construction fails with
// ErrCredentialMissing when none is configured and $GITHUB_TOKEN is unset.
func NewClient(log *slog.Logger, opts Options) (*Client, error) {
	token := opts.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return nil, ErrCredentialMissing
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	delay := opts.RateLimitDelay
	if delay == 0 {
		delay = defaultRateLimitDelay
	}
	maxReleases := opts.MaxReleasesPerRepo
	if maxReleases == 0 {
		maxReleases = defaultMaxReleases
	}

	// The oauth2 transport wraps http.DefaultTransport, so proxy and TLS
	// settings are taken from the environment.
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	))
	httpClient.Timeout = timeout

	api := github.NewClient(httpClient)
	api.UserAgent = "release-monitor"
	if opts.BaseURL != "" {
		var err error
		api, err = api.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set API base URL: %w", err)
		}
	}

	return &Client{
		api:             api,
		log:             log,
		limiter:         rate.NewLimiter(rate.Every(delay), 1),
		maxReleases:     maxReleases,
		skipPrereleases: opts.SkipPrereleases,
		sleep:           sleepContext,
		now:             time.Now,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LatestRelease returns the newest published release of owner/repo, or nil
// when the repository has no releases (or does not exist). The latest-release
// endpoint excludes drafts and prereleases; when it has nothing, the client
// falls back to the first page of the release list and picks the first
// non-draft entry, optionally skipping prereleases.
func (c *Client) LatestRelease(ctx context.Context, owner, repo string) (*release.Release, error) {
	rel, err := withRetry(c, ctx, fmt.Sprintf("latest release %s/%s", owner, repo), func() (*github.RepositoryRelease, bool, error) {
		r, resp, err := c.api.Repositories.GetLatestRelease(ctx, owner, repo)
		if isNotFound(resp, err) {
			return nil, true, nil
		}
		return r, false, err
	})
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return c.latestFromList(ctx, owner, repo)
	}
	out := convert(owner, repo, rel)
	return &out, nil
}

// latestFromList lists the first page of releases, newest first, and picks
// the first eligible entry.
func (c *Client) latestFromList(ctx context.Context, owner, repo string) (*release.Release, error) {
	rels, err := withRetry(c, ctx, fmt.Sprintf("list releases %s/%s", owner, repo), func() ([]*github.RepositoryRelease, bool, error) {
		rs, resp, err := c.api.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: c.maxReleases})
		if isNotFound(resp, err) {
			return nil, true, nil
		}
		return rs, false, err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		if r.GetDraft() {
			continue
		}
		if c.skipPrereleases && r.GetPrerelease() {
			continue
		}
		out := convert(owner, repo, r)
		return &out, nil
	}
	c.log.Debug("no eligible releases", slog.String("owner", owner), slog.String("repo", repo))
	return nil, nil
}

// RateLimitStatus reports the remaining core API quota and its reset time.
func (c *Client) RateLimitStatus(ctx context.Context) (remaining int, resetAt time.Time, err error) {
	limits, _, err := c.api.RateLimit.Get(ctx)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to fetch rate limit: %w", err)
	}
	core := limits.GetCore()
	if core == nil {
		return 0, time.Time{}, nil
	}
	return core.Remaining, core.Reset.Time, nil
}

// withRetry runs call with rate limiting and the retry policy: up to three
// attempts with exponential backoff on transport errors and 429/5xx
// responses, sleeping to the server-supplied reset on rate limit responses.
// Authentication failures and not-found are never retried.
func withRetry[T any](c *Client, ctx context.Context, what string, call func() (T, bool, error)) (T, error) {
	var zero T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		result, notFound, err := call()
		if err == nil {
			if notFound {
				return zero, nil
			}
			return result, nil
		}
		delay, retryable, surfaced := c.classify(err, bo)
		lastErr = surfaced
		if !retryable {
			return zero, surfaced
		}
		if attempt == maxAttempts {
			break
		}
		c.log.Warn("retrying API call",
			slog.String("call", what),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s: %w", what, lastErr)
}

// classify maps an API error to a retry delay, whether it is retryable, and
// the error to surface if it is not (or if attempts run out).
func (c *Client) classify(err error, bo *backoff.ExponentialBackOff) (delay time.Duration, retryable bool, surfaced error) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		// Sleep until the reset epoch plus a second. A reset in the past
		// means the window already rolled over, so retry immediately.
		d := rateErr.Rate.Reset.Time.Add(time.Second).Sub(c.now())
		if d < 0 {
			d = 0
		}
		return d, true, err
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			return *abuseErr.RetryAfter, true, err
		}
		return bo.NextBackOff(), true, err
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return 0, false, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
		case code == http.StatusTooManyRequests || code >= 500:
			return bo.NextBackOff(), true, err
		default:
			return 0, false, err
		}
	}
	// Transport-level failure.
	return bo.NextBackOff(), true, err
}

func isNotFound(resp *github.Response, err error) bool {
	if err == nil {
		return false
	}
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && resp != nil && resp.StatusCode == http.StatusNotFound
}

// convert maps an API release object to the immutable descriptor used by the
// rest of the pipeline.
func convert(owner, repo string, r *github.RepositoryRelease) release.Release {
	out := release.Release{
		Owner:       owner,
		Repo:        repo,
		TagName:     r.GetTagName(),
		Name:        r.GetName(),
		PublishedAt: r.GetPublishedAt().Time,
		Draft:       r.GetDraft(),
		Prerelease:  r.GetPrerelease(),
		HTMLURL:     r.GetHTMLURL(),
		TarballURL:  r.GetTarballURL(),
		ZipballURL:  r.GetZipballURL(),
	}
	for _, a := range r.Assets {
		out.Assets = append(out.Assets, release.Asset{
			Name:        a.GetName(),
			DownloadURL: a.GetBrowserDownloadURL(),
			Size:        int64(a.GetSize()),
			ContentType: a.GetContentType(),
			Digest:      a.GetDigest(),
		})
	}
	return out
}
