// Package telemetry exposes control plane metrics over Prometheus. All
// collectors hang off a private registry so tests can run side by side
// without global state collisions.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/logger"
)

type Telemetry struct {
	cfg      config.TelemetryConfig
	logger   *logger.StyledLogger
	registry *prometheus.Registry
	server   *http.Server

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RetriesTotal     prometheus.Counter
	BreakerTrips     *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	WorkersOnline    prometheus.Gauge
	ActiveStreams    prometheus.Gauge
	StreamChunks     *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	TokensGenerated  prometheus.Counter
	RegressionAlerts *prometheus.CounterVec
}

func New(cfg config.TelemetryConfig, log *logger.StyledLogger) *Telemetry {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	t := &Telemetry{
		cfg:      cfg,
		logger:   log,
		registry: registry,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_requests_total",
			Help: "Inference requests by terminal outcome code.",
		}, []string{"outcome"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convoy_request_duration_seconds",
			Help:    "End to end inference latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stream"}),

		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoy_retries_total",
			Help: "Retry attempts beyond the first try.",
		}),

		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_breaker_trips_total",
			Help: "Circuit breaker transitions to open, per worker.",
		}, []string{"worker"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "convoy_scheduler_queue_depth",
			Help: "Queued requests per priority level.",
		}, []string{"priority"}),

		WorkersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "convoy_workers_online",
			Help: "Workers currently routable.",
		}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "convoy_streams_active",
			Help: "Streams currently registered with the controller.",
		}),

		StreamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_stream_chunks_total",
			Help: "Chunks by lifecycle stage (sent, acked, timed_out).",
		}, []string{"stage"}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "convoy_batch_size",
			Help:    "Items per flushed batch.",
			Buckets: prometheus.LinearBuckets(1, 4, 16),
		}),

		TokensGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoy_tokens_generated_total",
			Help: "Tokens produced across all streams.",
		}),

		RegressionAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_regression_alerts_total",
			Help: "Regression alerts by metric.",
		}, []string{"metric"}),
	}
	return t
}

// Start serves /metrics if telemetry is enabled. Non-blocking.
func (t *Telemetry) Start(ctx context.Context) {
	if !t.cfg.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))

	t.server = &http.Server{
		Addr:              t.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		t.logger.Info("Telemetry listening", "address", t.cfg.Address)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Telemetry server failed", "error", err)
		}
	}()
}

func (t *Telemetry) Stop(ctx context.Context) {
	if t.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = t.server.Shutdown(shutdownCtx)
}

// Registry exposes the underlying registry for test scraping.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}
