// Package metrics provides custom Prometheus metrics for the agent components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics contains all Prometheus metrics related to the control-plane bus.
type BusMetrics struct {
	ConnectionStatus  prometheus.Gauge
	LastConnectTime   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	PublishesTotal    *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessageSize       prometheus.Histogram
	PublishLatency    prometheus.Histogram
	registry          *prometheus.Registry
}

// NewBusMetrics creates a new instance of BusMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewBusMetrics(registry *prometheus.Registry) (*BusMetrics, error) {
	m := &BusMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register bus metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for BusMetrics.
func (m *BusMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ezstream_bus_connection_status",
		Help: "Current bus connection status (1 for connected, 0 for disconnected)",
	})

	m.LastConnectTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ezstream_bus_last_connect_time_seconds",
		Help: "Timestamp of the last successful bus connection",
	})

	m.ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ezstream_bus_reconnect_attempts_total",
		Help: "Total number of bus reconnection attempts",
	})

	m.PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_bus_publishes_total",
			Help: "Total number of bus publish operations",
		},
		[]string{"channel", "status"},
	)

	m.MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_bus_messages_received_total",
			Help: "Total number of messages received from subscribed channels",
		},
		[]string{"channel"},
	)

	m.MessageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_bus_message_size_bytes",
		Help:    "Size of published bus messages in bytes",
		Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
	})

	m.PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezstream_bus_publish_latency_seconds",
		Help:    "Latency of bus publish operations in seconds",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
	})
}

// UpdateConnectionStatus updates the bus connection status and last connect time.
func (m *BusMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.ConnectionStatus.Set(1)
		m.LastConnectTime.SetToCurrentTime()
	} else {
		m.ConnectionStatus.Set(0)
	}
}

// IncrementReconnectAttempts increments the count of reconnection attempts.
func (m *BusMetrics) IncrementReconnectAttempts() {
	m.ReconnectAttempts.Inc()
}

// RecordPublish records the outcome, size and latency of a publish operation.
func (m *BusMetrics) RecordPublish(channel string, err error, sizeBytes int, elapsed time.Duration) {
	status := LabelSuccess
	if err != nil {
		status = LabelError
	}
	m.PublishesTotal.WithLabelValues(channel, status).Inc()
	m.MessageSize.Observe(float64(sizeBytes))
	m.PublishLatency.Observe(elapsed.Seconds())
}

// IncrementMessagesReceived increments the received-message counter for a channel.
func (m *BusMetrics) IncrementMessagesReceived(channel string) {
	m.MessagesReceived.WithLabelValues(channel).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *BusMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ConnectionStatus
	ch <- m.LastConnectTime
	ch <- m.ReconnectAttempts
	m.PublishesTotal.Collect(ch)
	m.MessagesReceived.Collect(ch)
	ch <- m.MessageSize
	ch <- m.PublishLatency
}

// Describe implements the prometheus.Collector interface.
func (m *BusMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ConnectionStatus.Desc()
	ch <- m.LastConnectTime.Desc()
	ch <- m.ReconnectAttempts.Desc()
	m.PublishesTotal.Describe(ch)
	m.MessagesReceived.Describe(ch)
	ch <- m.MessageSize.Desc()
	ch <- m.PublishLatency.Desc()
}
