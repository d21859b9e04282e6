package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// StagerMetrics contains Prometheus metrics for media staging operations.
type StagerMetrics struct {
	DownloadsTotal   *prometheus.CounterVec
	DownloadBytes    prometheus.Histogram
	DownloadDuration prometheus.Histogram
	ActiveDownloads  prometheus.Gauge
	StageDuration    prometheus.Histogram
	ProbeFailures    prometheus.Counter
	GCRemovedDirs    prometheus.Counter
	StagingDiskBytes prometheus.Gauge
	registry         *prometheus.Registry
}

// NewStagerMetrics creates a new instance of StagerMetrics.
func NewStagerMetrics(registry *prometheus.Registry) (*StagerMetrics, error) {
	m := &StagerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register stager metrics: %w", err)
	}
	return m, nil
}

func (m *StagerMetrics) initMetrics() {
	m.DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_stager_downloads_total",
			Help: "Total number of source downloads by outcome",
		},
		[]string{"status"},
	)

	m.DownloadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_stager_download_bytes",
		Help:    "Size of completed downloads in bytes",
		Buckets: prometheus.ExponentialBuckets(BucketStart1MB, BucketFactor2, BucketCount16),
	})

	m.DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_stager_download_duration_seconds",
		Help:    "Duration of individual source downloads in seconds",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	m.ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ezstream_stager_active_downloads",
		Help: "Number of downloads currently in flight",
	})

	m.StageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_stager_stage_duration_seconds",
		Help:    "Duration of whole staging passes per stream in seconds",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	m.ProbeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ezstream_stager_probe_failures_total",
		Help: "Total number of staged files rejected by the media probe",
	})

	m.GCRemovedDirs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ezstream_stager_gc_removed_dirs_total",
		Help: "Total number of staging directories removed by the sweeper",
	})

	m.StagingDiskBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ezstream_stager_staging_disk_bytes",
		Help: "Bytes currently used under the staging root",
	})
}

// RecordDownload records the outcome, size and duration of one download.
func (m *StagerMetrics) RecordDownload(err error, sizeBytes int64, seconds float64) {
	status := LabelSuccess
	if err != nil {
		status = LabelError
	}
	m.DownloadsTotal.WithLabelValues(status).Inc()
	if err == nil {
		m.DownloadBytes.Observe(float64(sizeBytes))
	}
	m.DownloadDuration.Observe(seconds)
}

// AddActiveDownloads adjusts the in-flight download gauge by delta.
func (m *StagerMetrics) AddActiveDownloads(delta int) {
	m.ActiveDownloads.Add(float64(delta))
}

// ObserveStageDuration records the duration of a full staging pass.
func (m *StagerMetrics) ObserveStageDuration(seconds float64) {
	m.StageDuration.Observe(seconds)
}

// RecordProbeFailure increments the probe rejection counter.
func (m *StagerMetrics) RecordProbeFailure() {
	m.ProbeFailures.Inc()
}

// RecordGCRemoval increments the sweeper removal counter.
func (m *StagerMetrics) RecordGCRemoval() {
	m.GCRemovedDirs.Inc()
}

// SetStagingDiskBytes sets the current staging disk usage.
func (m *StagerMetrics) SetStagingDiskBytes(n int64) {
	m.StagingDiskBytes.Set(float64(n))
}

// Collect implements the prometheus.Collector interface.
func (m *StagerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DownloadsTotal.Collect(ch)
	ch <- m.DownloadBytes
	ch <- m.DownloadDuration
	ch <- m.ActiveDownloads
	ch <- m.StageDuration
	ch <- m.ProbeFailures
	ch <- m.GCRemovedDirs
	ch <- m.StagingDiskBytes
}

// Describe implements the prometheus.Collector interface.
func (m *StagerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DownloadsTotal.Describe(ch)
	ch <- m.DownloadBytes.Desc()
	ch <- m.DownloadDuration.Desc()
	ch <- m.ActiveDownloads.Desc()
	ch <- m.StageDuration.Desc()
	ch <- m.ProbeFailures.Desc()
	ch <- m.GCRemovedDirs.Desc()
	ch <- m.StagingDiskBytes.Desc()
}
