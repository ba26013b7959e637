// Package metrics exposes run counters over a prometheus scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/malston/release-monitor")

	if m.RepositoriesChecked, err = meter.Int64Counter("repositories_checked_total", metric.WithDescription("Total number of repositories checked for new releases")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create repositories_checked_total counter: %w", err)
	}
	if m.ReleasesDownloaded, err = meter.Int64Counter("releases_downloaded_total", metric.WithDescription("Total number of releases fully downloaded and committed")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create releases_downloaded_total counter: %w", err)
	}
	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total bytes downloaded from upstream releases")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}
	if m.ArtifactUploadsTotal, err = meter.Int64Counter("artifact_uploads_total", metric.WithDescription("Total number of files mirrored to the artifact store")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create artifact_uploads_total counter: %w", err)
	}
	if m.UploadedBytesTotal, err = meter.Int64Counter("uploaded_bytes_total", metric.WithDescription("Total bytes mirrored to the artifact store")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create uploaded_bytes_total counter: %w", err)
	}

	return m, nil
}

type Metrics struct {
	RepositoriesChecked  metric.Int64Counter
	ReleasesDownloaded   metric.Int64Counter
	DownloadedBytesTotal metric.Int64Counter
	ArtifactUploadsTotal metric.Int64Counter
	UploadedBytesTotal   metric.Int64Counter
}

func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementChecked(ctx context.Context, repoKey string) {
	if m.RepositoriesChecked == nil {
		return
	}
	m.RepositoriesChecked.Add(ctx, 1, metric.WithAttributes(attribute.String("repository", repoKey)))
}

func (m Metrics) IncrementDownloaded(ctx context.Context, repoKey string, bytes int64) {
	if m.ReleasesDownloaded == nil || m.DownloadedBytesTotal == nil {
		return
	}
	m.ReleasesDownloaded.Add(ctx, 1, metric.WithAttributes(attribute.String("repository", repoKey)))
	m.DownloadedBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("repository", repoKey)))
}

func (m Metrics) IncrementUploaded(ctx context.Context, repoKey string, bytes int64) {
	if m.ArtifactUploadsTotal == nil || m.UploadedBytesTotal == nil {
		return
	}
	m.ArtifactUploadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("repository", repoKey)))
	m.UploadedBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("repository", repoKey)))
}
