// Package metrics holds the prometheus collectors for the change detector
// and the broadcaster. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postpulse"

// Scan results.
const (
	ScanOK      = "ok"
	ScanError   = "error"
	ScanSkipped = "skipped"
)

// Delivery results.
const (
	DeliveryOK     = "ok"
	DeliveryFailed = "failed"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	scans          *prometheus.CounterVec
	scanDuration   prometheus.Summary
	changes        *prometheus.CounterVec
	trackedRecords prometheus.Gauge
	connections    prometheus.Gauge
	deliveries     *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.scans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "scans_total",
		Help:      "Change detector scans by result",
	}, []string{"result"})
	m.scanDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "scan_duration_seconds",
		Help:      "Time spent listing and diffing records",
	})
	m.changes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "changes_total",
		Help:      "Record changes observed, by kind and source",
	}, []string{"kind", "source"})
	m.trackedRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "tracked_records",
		Help:      "Records held in the change detector snapshot",
	})
	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "connections",
		Help:      "Open realtime connections",
	})
	m.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "deliveries_total",
		Help:      "Event deliveries to connections, by event type and result",
	}, []string{"event", "result"})

	m.registry.MustRegister(
		m.scans,
		m.scanDuration,
		m.changes,
		m.trackedRecords,
		m.connections,
		m.deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveScan records one scan outcome.
func (m *Metrics) ObserveScan(result string, took time.Duration, tracked int) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	if result == ScanSkipped {
		return
	}
	m.scanDuration.Observe(took.Seconds())
	if result == ScanOK {
		m.trackedRecords.Set(float64(tracked))
	}
}

// ObserveChange counts one observed record change.
func (m *Metrics) ObserveChange(kind, source string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(kind, source).Inc()
}

// SetConnections records the number of open connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// ObserveDelivery counts one event write to a connection.
func (m *Metrics) ObserveDelivery(event, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, result).Inc()
}
