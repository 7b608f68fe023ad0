package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Navigation outcome labels.
const (
	NavSuccess = "success"
	NavFailure = "failure"
	NavBlocked = "blocked"
)

// Metrics owns a private prometheus registry for the engine's counters and
// gauges. A nil *Metrics is a valid no-op sink, so callers never need to
// branch on whether the exporter is enabled.
type Metrics struct {
	registry *prometheus.Registry

	navigations     *prometheus.CounterVec
	navigationTime  prometheus.Histogram
	identityRotates prometheus.Counter
	emergencyMode   prometheus.Gauge
	incidentsWindow prometheus.Gauge
	avgLatency      prometheus.Gauge
	profileCount    prometheus.Gauge
}

// NewMetrics builds the registry and registers every instrument on it.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		navigations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shade_navigations_total",
			Help: "Navigations attempted, labeled by outcome.",
		}, []string{"result"}),
		navigationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shade_navigation_seconds",
			Help:    "Wall time of completed navigations.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		identityRotates: factory.NewCounter(prometheus.CounterOpts{
			Name: "shade_identity_rotations_total",
			Help: "Browser identity rotations, scheduled and forced.",
		}),
		emergencyMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shade_emergency_mode",
			Help: "1 while the scheduler is throttled by emergency mode.",
		}),
		incidentsWindow: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shade_incidents_in_window",
			Help: "Detection incidents inside the sliding window.",
		}),
		avgLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shade_avg_latency_ms",
			Help: "Mean navigation latency over the retained samples.",
		}),
		profileCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shade_profile_count",
			Help: "Profiles currently on disk.",
		}),
	}
}

// RecordNavigation counts one navigation outcome and its wall time.
func (m *Metrics) RecordNavigation(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.navigations.WithLabelValues(result).Inc()
	m.navigationTime.Observe(elapsed.Seconds())
}

// RecordIdentityRotation counts one identity swap.
func (m *Metrics) RecordIdentityRotation() {
	if m == nil {
		return
	}
	m.identityRotates.Inc()
}

// SetEmergencyMode mirrors the scheduler's emergency latch.
func (m *Metrics) SetEmergencyMode(active bool) {
	if m == nil {
		return
	}
	if active {
		m.emergencyMode.Set(1)
	} else {
		m.emergencyMode.Set(0)
	}
}

// SetIncidentsInWindow mirrors the detection monitor's window count.
func (m *Metrics) SetIncidentsInWindow(n int) {
	if m == nil {
		return
	}
	m.incidentsWindow.Set(float64(n))
}

// SetAvgLatency publishes the performance monitor's rolling mean.
func (m *Metrics) SetAvgLatency(ms float64) {
	if m == nil {
		return
	}
	m.avgLatency.Set(ms)
}

// SetProfileCount publishes the number of stored profiles.
func (m *Metrics) SetProfileCount(n int) {
	if m == nil {
		return
	}
	m.profileCount.Set(float64(n))
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on listen until ctx is cancelled,
// then shuts the server down gracefully.
func (m *Metrics) Serve(ctx context.Context, listen string, logger *zap.Logger) error {
	if m == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("metrics listener on %s: %w", listen, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	logger.Info("Metrics endpoint listening", zap.String("addr", listener.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
