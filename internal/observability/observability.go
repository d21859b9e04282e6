// Package observability provides Prometheus metrics for the streaming agent.
// Sentry-related error telemetry is handled in the telemetry package.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/truongvando/ezstream/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the agent.
type Metrics struct {
	registry *prometheus.Registry
	Bus      *metrics.BusMetrics
	Stream   *metrics.StreamMetrics
	Encoder  *metrics.EncoderMetrics
	Reporter *metrics.ReporterMetrics
	Stager   *metrics.StagerMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric
// collectors. It returns an error if any collector fails to register.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	busMetrics, err := metrics.NewBusMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus metrics: %w", err)
	}

	streamMetrics, err := metrics.NewStreamMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream metrics: %w", err)
	}

	encoderMetrics, err := metrics.NewEncoderMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder metrics: %w", err)
	}

	reporterMetrics, err := metrics.NewReporterMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create reporter metrics: %w", err)
	}

	stagerMetrics, err := metrics.NewStagerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create stager metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Bus:      busMetrics,
		Stream:   streamMetrics,
		Encoder:  encoderMetrics,
		Reporter: reporterMetrics,
		Stager:   stagerMetrics,
	}, nil
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", m.metricsHandler)
}

// metricsHandler is the HTTP handler for the /metrics endpoint.
func (m *Metrics) metricsHandler(w http.ResponseWriter, r *http.Request) {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	h.ServeHTTP(w, r)
}
