package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics contains Prometheus metrics for stream lifecycle management.
type StreamMetrics struct {
	ActiveStreams     prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
	RestartsTotal     *prometheus.CounterVec
	CommandsProcessed *prometheus.CounterVec
	StreamRuntime     prometheus.Histogram
	registry          *prometheus.Registry
}

// NewStreamMetrics creates a new instance of StreamMetrics.
func NewStreamMetrics(registry *prometheus.Registry) (*StreamMetrics, error) {
	m := &StreamMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register stream metrics: %w", err)
	}
	return m, nil
}

func (m *StreamMetrics) initMetrics() {
	m.ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ezstream_active_streams",
		Help: "Number of streams currently registered on this agent",
	})

	m.StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_stream_state_transitions_total",
			Help: "Total number of stream state transitions",
		},
		[]string{"from", "to"},
	)

	m.RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_stream_restarts_total",
			Help: "Total number of automatic stream restarts",
		},
		[]string{"reason"},
	)

	m.CommandsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_commands_processed_total",
			Help: "Total number of control-plane commands processed",
		},
		[]string{"command", "status"},
	)

	m.StreamRuntime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_stream_runtime_seconds",
		Help:    "Observed encoder runtime per stream session in seconds",
		Buckets: prometheus.ExponentialBuckets(BucketStart1s, BucketFactor2, BucketCount16),
	})
}

// SetActiveStreams sets the current number of registered streams.
func (m *StreamMetrics) SetActiveStreams(n int) {
	m.ActiveStreams.Set(float64(n))
}

// RecordStateTransition records a state machine transition.
func (m *StreamMetrics) RecordStateTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordRestart records an automatic restart and its trigger.
func (m *StreamMetrics) RecordRestart(reason string) {
	m.RestartsTotal.WithLabelValues(reason).Inc()
}

// RecordCommand records a processed command and its outcome.
func (m *StreamMetrics) RecordCommand(command string, err error) {
	status := LabelSuccess
	if err != nil {
		status = LabelError
	}
	m.CommandsProcessed.WithLabelValues(command, status).Inc()
}

// ObserveStreamRuntime records the runtime of one encoder session.
func (m *StreamMetrics) ObserveStreamRuntime(seconds float64) {
	m.StreamRuntime.Observe(seconds)
}

// Collect implements the prometheus.Collector interface.
func (m *StreamMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ActiveStreams
	m.StateTransitions.Collect(ch)
	m.RestartsTotal.Collect(ch)
	m.CommandsProcessed.Collect(ch)
	ch <- m.StreamRuntime
}

// Describe implements the prometheus.Collector interface.
func (m *StreamMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ActiveStreams.Desc()
	m.StateTransitions.Describe(ch)
	m.RestartsTotal.Describe(ch)
	m.CommandsProcessed.Describe(ch)
	ch <- m.StreamRuntime.Desc()
}
