// Package telemetry provides the Prometheus metrics and OpenTelemetry
// tracing the engine emits, grounded on the teacher's
// internal/monitoring/{metrics,tracing}.go.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal      *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	cycleApps         *prometheus.GaugeVec
	syncTotal         *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	concurrencyInUse  prometheus.Gauge
	shutdownDrained   prometheus.Gauge
}

// NewMetrics builds a fresh registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		cyclesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gitops_sync_cycles_total",
			Help: "Total number of reconciliation cycles that scheduled applications (dropped ticks, unchanged-commit cycles and aborted cycles not counted).",
		}, []string{"outcome"}),
		cycleDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "gitops_sync_cycle_duration_seconds",
			Help:    "Duration of a full reconciliation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		cycleApps: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitops_sync_cycle_applications",
			Help: "Per-cycle application outcome counts.",
		}, []string{"result"}),
		syncTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "gitops_sync_application_sync_total",
			Help: "Total number of per-application sync attempts.",
		}, []string{"app", "action", "success"}),
		syncDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gitops_sync_application_sync_duration_seconds",
			Help:    "Duration of a single application's sync task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"app"}),
		concurrencyInUse: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "gitops_sync_concurrency_in_flight",
			Help: "Number of sync tasks currently in flight.",
		}),
		shutdownDrained: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "gitops_sync_shutdown_drained_tasks",
			Help: "Number of tasks still in flight when the last shutdown was requested.",
		}),
	}

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveCycle records one completed cycle's duration and outcome tallies.
func (m *Metrics) ObserveCycle(d time.Duration, ok, failed, skipped int) {
	outcome := "success"
	if failed > 0 {
		outcome = "partial_failure"
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.cycleApps.WithLabelValues("succeeded").Set(float64(ok))
	m.cycleApps.WithLabelValues("failed").Set(float64(failed))
	m.cycleApps.WithLabelValues("skipped").Set(float64(skipped))
}

// ObserveSync records one application's sync task outcome.
func (m *Metrics) ObserveSync(app, action string, success bool, d time.Duration) {
	m.syncTotal.WithLabelValues(app, action, boolLabel(success)).Inc()
	m.syncDuration.WithLabelValues(app).Observe(d.Seconds())
}

// SetConcurrencyInUse reports the current number of in-flight sync tasks.
func (m *Metrics) SetConcurrencyInUse(n int) {
	m.concurrencyInUse.Set(float64(n))
}

// SetShutdownDrained reports how many tasks were still in flight at
// shutdown.
func (m *Metrics) SetShutdownDrained(n int) {
	m.shutdownDrained.Set(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
