package progress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports transfer counters to Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	blocks   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quickbyte_blocks_total", Help: "Blocks by direction and result"},
			[]string{"direction", "result"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quickbyte_bytes_total", Help: "Bytes moved by direction"},
			[]string{"direction"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quickbyte_retries_total", Help: "Retried network failures by direction"},
			[]string{"direction"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "quickbyte_blocks_inflight", Help: "Blocks currently in flight"},
			[]string{"direction"},
		),
	}
	m.registry.MustRegister(m.blocks, m.bytes, m.retries, m.inFlight)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Sink returns a progress sink that counts events under direction
// ("upload", "download" or "archive").
func (m *Metrics) Sink(direction string) Sink {
	return &metricsSink{m: m, direction: direction}
}

type metricsSink struct {
	m         *Metrics
	direction string
}

func (s *metricsSink) BlockStarted() {
	s.m.inFlight.WithLabelValues(s.direction).Inc()
}

func (s *metricsSink) BlockCompleted(bytes int64) {
	s.m.inFlight.WithLabelValues(s.direction).Dec()
	s.m.blocks.WithLabelValues(s.direction, "completed").Inc()
	s.m.bytes.WithLabelValues(s.direction).Add(float64(bytes))
}

func (s *metricsSink) BlockFailed() {
	s.m.inFlight.WithLabelValues(s.direction).Dec()
	s.m.blocks.WithLabelValues(s.direction, "failed").Inc()
}

func (s *metricsSink) BlockRetried() {
	s.m.retries.WithLabelValues(s.direction).Inc()
}

func (s *metricsSink) BlocksSkipped(n int, bytes int64) {
	s.m.blocks.WithLabelValues(s.direction, "skipped").Add(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
