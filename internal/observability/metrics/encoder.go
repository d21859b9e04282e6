package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// EncoderMetrics contains Prometheus metrics for the encoder subprocess
// supervisor.
type EncoderMetrics struct {
	SpawnsTotal   *prometheus.CounterVec
	ExitsTotal    *prometheus.CounterVec
	HealthScore   *prometheus.GaugeVec
	StopLatency   prometheus.Histogram
	StderrMatches *prometheus.CounterVec
	registry      *prometheus.Registry
}

// NewEncoderMetrics creates a new instance of EncoderMetrics.
func NewEncoderMetrics(registry *prometheus.Registry) (*EncoderMetrics, error) {
	m := &EncoderMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register encoder metrics: %w", err)
	}
	return m, nil
}

func (m *EncoderMetrics) initMetrics() {
	m.SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_encoder_spawns_total",
			Help: "Total number of encoder subprocess spawns",
		},
		[]string{"mode"},
	)

	m.ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_encoder_exits_total",
			Help: "Total number of encoder subprocess exits by classification",
		},
		[]string{"kind"},
	)

	m.HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_encoder_health_score",
			Help: "Per-stream encoder health score between 0 and 1",
		},
		[]string{"stream_id"},
	)

	m.StopLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_encoder_stop_latency_seconds",
		Help:    "Time from stop request to subprocess exit in seconds",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount10),
	})

	m.StderrMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_encoder_stderr_matches_total",
			Help: "Total number of recognized error patterns seen on encoder stderr",
		},
		[]string{"kind"},
	)
}

// RecordSpawn records an encoder spawn in the given mode.
func (m *EncoderMetrics) RecordSpawn(mode string) {
	m.SpawnsTotal.WithLabelValues(mode).Inc()
}

// RecordExit records an encoder exit with its classification.
func (m *EncoderMetrics) RecordExit(kind string) {
	m.ExitsTotal.WithLabelValues(kind).Inc()
}

// SetHealthScore publishes the health score for one stream.
func (m *EncoderMetrics) SetHealthScore(streamID int64, score float64) {
	m.HealthScore.WithLabelValues(strconv.FormatInt(streamID, 10)).Set(score)
}

// ForgetStream drops the per-stream series once a stream is removed.
func (m *EncoderMetrics) ForgetStream(streamID int64) {
	m.HealthScore.DeleteLabelValues(strconv.FormatInt(streamID, 10))
}

// ObserveStopLatency records how long a stop escalation took.
func (m *EncoderMetrics) ObserveStopLatency(seconds float64) {
	m.StopLatency.Observe(seconds)
}

// RecordStderrMatch records one recognized stderr error pattern.
func (m *EncoderMetrics) RecordStderrMatch(kind string) {
	m.StderrMatches.WithLabelValues(kind).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *EncoderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.SpawnsTotal.Collect(ch)
	m.ExitsTotal.Collect(ch)
	m.HealthScore.Collect(ch)
	ch <- m.StopLatency
	m.StderrMatches.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *EncoderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.SpawnsTotal.Describe(ch)
	m.ExitsTotal.Describe(ch)
	m.HealthScore.Describe(ch)
	ch <- m.StopLatency.Desc()
	m.StderrMatches.Describe(ch)
}
