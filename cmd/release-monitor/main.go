package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/malston/release-monitor/config"
	"github.com/malston/release-monitor/coordinator"
	"github.com/malston/release-monitor/download"
	"github.com/malston/release-monitor/gh"
	"github.com/malston/release-monitor/metrics"
	"github.com/malston/release-monitor/release"
	"github.com/malston/release-monitor/storage"
	"github.com/malston/release-monitor/upload"
	"github.com/malston/release-monitor/versiondb"
)

var Version = "dev"

type Globals struct {
	Config  string `help:"Path to the configuration file" default:"config.yaml" env:"RELMON_CONFIG"`
	Verbose bool   `help:"Enable debug logging" short:"v" env:"RELMON_VERBOSE"`
}

type CLI struct {
	Globals
	Version  VersionCmd  `cmd:"" help:"Show version information"`
	Monitor  MonitorCmd  `cmd:"" help:"Check repositories for new releases and write the monitor output"`
	Download DownloadCmd `cmd:"" help:"Download new releases and update the version database"`
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

// Exit codes for the scheduler wrapping this process.
const (
	exitConfig     = 2
	exitStorage    = 3
	exitCredential = 4
	exitCancelled  = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("release-monitor"),
		kong.Description("Tracks upstream releases and downloads their artifacts."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "release-monitor: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, versiondb.ErrStorageUnavailable), errors.Is(err, versiondb.ErrStorageCorrupt):
		return exitStorage
	case errors.Is(err, gh.ErrCredentialMissing), errors.Is(err, gh.ErrCredentialRejected):
		return exitCredential
	case errors.Is(err, context.Canceled):
		return exitCancelled
	default:
		return 1
	}
}

func newLogger(globals *Globals) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if globals.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type S3Flags struct {
	AccessKeyID     string `help:"S3 access key ID (uses IAM role if not set)" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `help:"S3 secret access key (uses IAM role if not set)" env:"AWS_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `help:"Use path-style S3 URLs (required for MinIO)" env:"RELMON_S3_FORCE_PATH_STYLE"`
}

type ArtifactoryFlags struct {
	APIKey   string `help:"Artifactory API key" env:"ARTIFACTORY_API_KEY"`
	Username string `help:"Artifactory username for basic auth" env:"ARTIFACTORY_USERNAME"`
	Password string `help:"Artifactory password for basic auth" env:"ARTIFACTORY_PASSWORD"`
}

type MonitorCmd struct {
	Output string `help:"Monitor output path, - for stdout" default:"latest_releases.json" env:"RELMON_MONITOR_OUTPUT"`

	Token       string           `help:"GitHub API token" env:"GITHUB_TOKEN"`
	S3          S3Flags          `embed:"" prefix:"s3-"`
	Artifactory ArtifactoryFlags `embed:"" prefix:"artifactory-"`
}

func (cmd *MonitorCmd) Run(ctx context.Context, globals *Globals) error {
	log := newLogger(globals)

	cfg, err := config.Load(globals.Config)
	if err != nil {
		return err
	}

	client, err := gh.NewClient(log, gh.Options{
		Token:              cmd.Token,
		RateLimitDelay:     cfg.RateLimitDelay(),
		MaxReleasesPerRepo: cfg.Settings.MaxReleasesPerRepo,
		SkipPrereleases:    !cfg.Settings.IncludePrereleases,
	})
	if err != nil {
		return err
	}

	db, _, err := buildDatabase(ctx, log, cfg, cmd.S3, cmd.Artifactory)
	if err != nil {
		return err
	}

	c := coordinator.New(log, cfg, client, db, nil, metrics.Metrics{})
	out, err := c.Monitor(ctx)
	if err != nil {
		return err
	}

	if err := writeJSON(cmd.Output, out); err != nil {
		return err
	}
	log.Info("monitor run complete",
		slog.Int("checked", out.TotalRepositoriesChecked),
		slog.Int("new", out.NewReleasesFound))
	logRateLimit(ctx, log, client)
	return nil
}

type DownloadCmd struct {
	Input             string `help:"Use a prior monitor output file instead of live discovery" env:"RELMON_DOWNLOAD_INPUT"`
	Report            string `help:"Run report path, - for stdout" default:"-" env:"RELMON_REPORT"`
	DryRun            bool   `help:"Report what would be considered new without downloading"`
	NoUpload          bool   `help:"Skip mirroring downloaded files to the remote store"`
	MetricsListenAddr string `help:"Address for the prometheus metrics endpoint" env:"RELMON_METRICS_LISTEN_ADDR"`

	Token       string           `help:"GitHub API token" env:"GITHUB_TOKEN"`
	S3          S3Flags          `embed:"" prefix:"s3-"`
	Artifactory ArtifactoryFlags `embed:"" prefix:"artifactory-"`
}

func (cmd *DownloadCmd) Run(ctx context.Context, globals *Globals) error {
	log := newLogger(globals)

	cfg, err := config.Load(globals.Config)
	if err != nil {
		return err
	}
	if !cfg.Download.Enabled {
		return fmt.Errorf("%w: download.enabled is false", config.ErrInvalid)
	}

	var m metrics.Metrics
	if cmd.MetricsListenAddr != "" {
		if m, err = metrics.New(); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		go func() {
			if err := metrics.ListenAndServe(cmd.MetricsListenAddr); err != nil {
				log.Error("metrics server exited", slog.String("addr", cmd.MetricsListenAddr), slog.String("error", err.Error()))
			}
		}()
	}

	client, err := gh.NewClient(log, gh.Options{
		Token:              cmd.Token,
		RateLimitDelay:     cfg.RateLimitDelay(),
		MaxReleasesPerRepo: cfg.Settings.MaxReleasesPerRepo,
		SkipPrereleases:    !cfg.Settings.IncludePrereleases,
	})
	if err != nil {
		return err
	}

	db, store, err := buildDatabase(ctx, log, cfg, cmd.S3, cmd.Artifactory)
	if err != nil {
		return err
	}
	log.Info("version database backend selected", slog.String("backend", db.Backend()))

	var input *release.MonitorOutput
	if cmd.Input != "" {
		input = &release.MonitorOutput{}
		data, err := os.ReadFile(cmd.Input)
		if err != nil {
			return fmt.Errorf("failed to read monitor output %s: %w", cmd.Input, err)
		}
		if err := json.Unmarshal(data, input); err != nil {
			return fmt.Errorf("failed to parse monitor output %s: %w", cmd.Input, err)
		}
	}

	fetcher := download.New(log, download.Options{
		Token:         cmd.Token,
		Timeout:       cfg.DownloadTimeout(),
		VerifyDigests: cfg.Download.VerifyDownloads,
	})

	c := coordinator.New(log, cfg, client, db, fetcher, m)

	if cmd.DryRun {
		out, err := c.Monitor(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.Report, out)
	}

	report, err := c.Run(ctx, input)
	if report != nil {
		if werr := writeJSON(cmd.Report, report); werr != nil {
			log.Error("failed to write report", slog.String("error", werr.Error()))
		}
		for d, n := range report.Counts {
			log.Info("run outcome", slog.String("decision", string(d)), slog.Int("count", n))
		}
	}
	if err != nil {
		return err
	}

	if store != nil && !cmd.NoUpload && report.Counts[coordinator.Downloaded] > 0 {
		u := upload.New(log, store, upload.Options{Prefix: "releases", Metrics: m})
		result, err := u.Dir(ctx, cfg.Download.Directory)
		if err != nil {
			return err
		}
		log.Info("artifact upload complete",
			slog.Int("uploaded", result.Uploaded),
			slog.Int("failed", result.Failed),
			slog.Int64("bytes", result.Bytes))
	}

	logRateLimit(ctx, log, client)
	return nil
}

// buildDatabase selects the version database backend by the configured
// precedence and returns the wrapped DB, plus the shared blob store when a
// remote backend is active.
func buildDatabase(ctx context.Context, log *slog.Logger, cfg *config.Config, s3Flags S3Flags, artFlags ArtifactoryFlags) (*versiondb.DB, storage.BlobStore, error) {
	keep := versiondb.WithKeepVersions(cfg.Download.KeepVersions)

	switch kind := cfg.StorageBackend(os.Getenv); kind {
	case config.BackendS3:
		s3cfg := cfg.Download.S3Storage
		bucket := s3cfg.Bucket
		if env := os.Getenv("VERSION_DB_S3_BUCKET"); env != "" {
			bucket = env
		}
		store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:          bucket,
			Prefix:          s3cfg.Prefix,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3Flags.AccessKeyID,
			SecretAccessKey: s3Flags.SecretAccessKey,
			ForcePathStyle:  s3Flags.ForcePathStyle,
			VerifySSL:       s3cfg.VerifySSL == nil || *s3cfg.VerifySSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", versiondb.ErrStorageUnavailable, err)
		}
		return versiondb.New(versiondb.NewBlobBackend("s3", store), keep), store, nil

	case config.BackendArtifactory:
		acfg := cfg.Download.ArtifactoryStorage
		baseURL := acfg.BaseURL
		if env := os.Getenv("ARTIFACTORY_BASE_URL"); env != "" {
			baseURL = env
		}
		repository := acfg.Repository
		if env := os.Getenv("ARTIFACTORY_REPOSITORY"); env != "" {
			repository = env
		}
		store, err := storage.NewArtifactory(storage.ArtifactoryConfig{
			BaseURL:    baseURL,
			Repository: repository,
			Prefix:     acfg.PathPrefix,
			APIKey:     artFlags.APIKey,
			Username:   artFlags.Username,
			Password:   artFlags.Password,
			VerifySSL:  acfg.VerifySSL == nil || *acfg.VerifySSL,
			Timeout:    30 * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", versiondb.ErrStorageUnavailable, err)
		}
		return versiondb.New(versiondb.NewBlobBackend("artifactory", store), keep), store, nil

	default:
		log.Debug("using local version database", slog.String("path", cfg.Download.VersionDB))
		return versiondb.New(versiondb.NewLocalBackend(cfg.Download.VersionDB), keep), nil, nil
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func logRateLimit(ctx context.Context, log *slog.Logger, client *gh.Client) {
	remaining, resetAt, err := client.RateLimitStatus(ctx)
	if err != nil {
		log.Debug("failed to fetch rate limit status", slog.String("error", err.Error()))
		return
	}
	log.Info("API rate limit status",
		slog.Int("remaining", remaining),
		slog.String("reset_at", resetAt.Format(time.RFC3339)))
}
