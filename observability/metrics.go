// Package observability exposes runner measurements as Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/evolve/migration"
)

// Status label values of evolve_migrations_total, as reported by the runner.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// MetricsConfig holds configuration for Metrics.
type MetricsConfig struct {
	Namespace   string `yaml:"namespace" json:"namespace"`
	MetricsPath string `yaml:"metricsPath" json:"metricsPath"`
}

// DefaultMetricsConfig returns the default configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "evolve", MetricsPath: "/metrics"}
}

// Metrics implements migration.Metrics with Prometheus collectors on a
// private registry.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	MigrationsTotal   *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	DriftItems        prometheus.Gauge
	LockContentions   prometheus.Counter
}

var _ migration.Metrics = (*Metrics)(nil)

// NewMetrics creates Metrics with the default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates Metrics with its own Prometheus registry.
func NewMetricsWithConfig(cfg MetricsConfig) *Metrics {
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &Metrics{
		config:   cfg,
		registry: reg,
		MigrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "migrations_total",
			Help:      "Total number of migrations applied or rolled back",
		}, []string{"direction", "status"}),
		MigrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "migration_duration_seconds",
			Help:      "Duration of a single migration transaction in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		DriftItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "schema_drift_items",
			Help:      "Differences found by the last verify",
		}),
		LockContentions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "lock_contentions_total",
			Help:      "Times the migration lock was held by another runner",
		}),
	}
	reg.MustRegister(m.MigrationsTotal, m.MigrationDuration, m.DriftItems, m.LockContentions)
	return m
}

// ObserveMigration records one migration outcome.
func (m *Metrics) ObserveMigration(direction, status string, d time.Duration) {
	m.MigrationsTotal.WithLabelValues(direction, status).Inc()
	m.MigrationDuration.WithLabelValues(direction).Observe(d.Seconds())
}

func (m *Metrics) ObserveDrift(items int) { m.DriftItems.Set(float64(items)) }

func (m *Metrics) ObserveLockContention() { m.LockContentions.Inc() }

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// MetricsPath returns the configured metrics endpoint path.
func (m *Metrics) MetricsPath() string { return m.config.MetricsPath }

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
