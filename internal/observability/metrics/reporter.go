package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ReporterMetrics contains Prometheus metrics for the outbound report queues.
type ReporterMetrics struct {
	QueueDepth      *prometheus.GaugeVec
	EnqueuedTotal   *prometheus.CounterVec
	PublishedTotal  *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	BacklogFlushes  prometheus.Counter
	PublishFailures *prometheus.CounterVec
	registry        *prometheus.Registry
}

// NewReporterMetrics creates a new instance of ReporterMetrics.
func NewReporterMetrics(registry *prometheus.Registry) (*ReporterMetrics, error) {
	m := &ReporterMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register reporter metrics: %w", err)
	}
	return m, nil
}

func (m *ReporterMetrics) initMetrics() {
	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_reporter_queue_depth",
			Help: "Current depth of the outbound report queue per payload class",
		},
		[]string{"class"},
	)

	m.EnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reporter_enqueued_total",
			Help: "Total number of reports enqueued per payload class",
		},
		[]string{"class"},
	)

	m.PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reporter_published_total",
			Help: "Total number of reports published to the bus per payload class",
		},
		[]string{"class"},
	)

	m.DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reporter_dropped_total",
			Help: "Total number of reports discarded by the per-class overflow policy",
		},
		[]string{"class"},
	)

	m.BacklogFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ezstream_reporter_backlog_flushes_total",
		Help: "Total number of retained-backlog flushes after bus recovery",
	})

	m.PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reporter_publish_failures_total",
			Help: "Total number of failed publish attempts per payload class",
		},
		[]string{"class"},
	)
}

// SetQueueDepth sets the current queue depth for a payload class.
func (m *ReporterMetrics) SetQueueDepth(class string, depth int) {
	m.QueueDepth.WithLabelValues(class).Set(float64(depth))
}

// RecordEnqueued increments the enqueued counter for a payload class.
func (m *ReporterMetrics) RecordEnqueued(class string) {
	m.EnqueuedTotal.WithLabelValues(class).Inc()
}

// RecordPublished increments the published counter for a payload class.
func (m *ReporterMetrics) RecordPublished(class string) {
	m.PublishedTotal.WithLabelValues(class).Inc()
}

// RecordDropped increments the overflow-drop counter for a payload class.
func (m *ReporterMetrics) RecordDropped(class string) {
	m.DroppedTotal.WithLabelValues(class).Inc()
}

// RecordPublishFailure increments the failure counter for a payload class.
func (m *ReporterMetrics) RecordPublishFailure(class string) {
	m.PublishFailures.WithLabelValues(class).Inc()
}

// RecordBacklogFlush increments the backlog flush counter.
func (m *ReporterMetrics) RecordBacklogFlush() {
	m.BacklogFlushes.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *ReporterMetrics) Collect(ch chan<- prometheus.Metric) {
	m.QueueDepth.Collect(ch)
	m.EnqueuedTotal.Collect(ch)
	m.PublishedTotal.Collect(ch)
	m.DroppedTotal.Collect(ch)
	ch <- m.BacklogFlushes
	m.PublishFailures.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *ReporterMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.QueueDepth.Describe(ch)
	m.EnqueuedTotal.Describe(ch)
	m.PublishedTotal.Describe(ch)
	m.DroppedTotal.Describe(ch)
	ch <- m.BacklogFlushes.Desc()
	m.PublishFailures.Describe(ch)
}
