// Package metrics exposes Prometheus counters and gauges for the ingestion
// pipeline and notifier, registered against a private registry and served
// by the control surface's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	Registry *prometheus.Registry

	ReadingsTotal      prometheus.Counter
	ReadingsDropped    prometheus.Counter
	AlertsCreated      *prometheus.CounterVec // labels: type, severity
	AlertsUpgraded     *prometheus.CounterVec // labels: type, severity
	AlertsSuppressed   *prometheus.CounterVec // labels: type
	NotificationsSent  *prometheus.CounterVec // labels: channel, outcome
	NotifierQueueDepth prometheus.Gauge
	SensorsOffline     prometheus.Gauge
	BusConnected       prometheus.Gauge
}

// New constructs a Metrics bundle registered against a fresh private
// registry (never the global DefaultRegisterer, so multiple test instances
// don't collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ReadingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airaware_readings_total",
			Help: "Total number of readings successfully persisted.",
		}),
		ReadingsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airaware_readings_dropped_total",
			Help: "Total number of bus messages dropped as BadPayload.",
		}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airaware_alerts_created_total",
			Help: "Total number of new alerts created, by type and severity.",
		}, []string{"type", "severity"}),
		AlertsUpgraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airaware_alerts_upgraded_total",
			Help: "Total number of active alerts severity-upgraded, by type and severity.",
		}, []string{"type", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airaware_alerts_suppressed_total",
			Help: "Total number of candidates suppressed by the post-resolution cooldown, by type.",
		}, []string{"type"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airaware_notifications_total",
			Help: "Total number of notification delivery attempts, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		NotifierQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airaware_notifier_queue_depth",
			Help: "Current depth of the notifier's in-process alert queue.",
		}),
		SensorsOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airaware_sensors_offline",
			Help: "Current count of sensors in OFFLINE status.",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airaware_bus_connected",
			Help: "1 if the bus subscriber currently holds a live connection, else 0.",
		}),
	}

	reg.MustRegister(
		m.ReadingsTotal, m.ReadingsDropped, m.AlertsCreated, m.AlertsUpgraded,
		m.AlertsSuppressed, m.NotificationsSent, m.NotifierQueueDepth,
		m.SensorsOffline, m.BusConnected,
	)

	return m
}
