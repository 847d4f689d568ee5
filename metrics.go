package botkeeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the manager's Prometheus collectors. They live on their own
// registry so several managers (tests, mostly) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	appsLoaded      prometheus.Gauge
	appsRunning     prometheus.Gauge
	releaseFailures prometheus.Counter
	moduleReloads   prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botkeeper",
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and outcome.",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "botkeeper",
			Name:      "operation_duration_seconds",
			Help:      "Time spent running lifecycle operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		appsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "botkeeper",
			Name:      "apps_loaded",
			Help:      "Applications currently loaded.",
		}),
		appsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "botkeeper",
			Name:      "apps_running",
			Help:      "Applications currently running.",
		}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botkeeper",
			Name:      "release_failures_total",
			Help:      "Transport sessions that failed to release on stop.",
		}),
		moduleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botkeeper",
			Name:      "module_loads_total",
			Help:      "Implementation modules loaded or reloaded.",
		}),
	}
	m.registry.MustRegister(
		m.operations, m.duration, m.appsLoaded, m.appsRunning, m.releaseFailures, m.moduleReloads,
	)
	return m
}

// Registry returns the registry to expose, typically through promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setCounts(loaded, running int) {
	m.appsLoaded.Set(float64(loaded))
	m.appsRunning.Set(float64(running))
}
