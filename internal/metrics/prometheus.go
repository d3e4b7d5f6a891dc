// Package metrics exposes broker and load-balancer observability through a
// Prometheus registry, scrapeable on an optional HTTP endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	brokerRequests   *prometheus.CounterVec
	assignments      *prometheus.CounterVec
	probeFailures    *prometheus.CounterVec
	snapshotWrites   prometheus.Counter
	snapshotFailures prometheus.Counter

	brokerAlive *prometheus.GaugeVec

	snapshotDuration prometheus.Histogram
}

// New creates a Metrics with all collectors registered under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fanq"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		brokerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_requests_total",
				Help:      "Broker requests handled, by operation and status",
			},
			[]string{"operation", "status"},
		),

		assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignments_total",
				Help:      "Client-to-broker assignments made by the load balancer",
			},
			[]string{"broker"},
		),

		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_failures_total",
				Help:      "Failed liveness probes, by broker",
			},
			[]string{"broker"},
		),

		snapshotWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_writes_total",
				Help:      "Snapshot writes completed",
			},
		),

		snapshotFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_failures_total",
				Help:      "Snapshot writes that failed",
			},
		),

		brokerAlive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_alive",
				Help:      "Last-known broker liveness (1 alive, 0 dead)",
			},
			[]string{"broker"},
		),

		snapshotDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_write_seconds",
				Help:      "Duration of snapshot writes in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
	}

	m.registry.MustRegister(
		m.brokerRequests,
		m.assignments,
		m.probeFailures,
		m.snapshotWrites,
		m.snapshotFailures,
		m.brokerAlive,
		m.snapshotDuration,
	)

	return m
}

// RecordRequest counts one handled broker request.
func (m *Metrics) RecordRequest(operation, status string) {
	m.brokerRequests.WithLabelValues(operation, status).Inc()
}

// RecordAssignment counts one client assignment to broker.
func (m *Metrics) RecordAssignment(broker string) {
	m.assignments.WithLabelValues(broker).Inc()
}

// RecordProbeFailure counts one failed liveness probe.
func (m *Metrics) RecordProbeFailure(broker string) {
	m.probeFailures.WithLabelValues(broker).Inc()
}

// SetBrokerAlive records a broker's last-known liveness.
func (m *Metrics) SetBrokerAlive(broker string, alive bool) {
	v := 0.0
	if alive {
		v = 1.0
	}
	m.brokerAlive.WithLabelValues(broker).Set(v)
}

// RecordSnapshotWrite records one snapshot write and its duration.
func (m *Metrics) RecordSnapshotWrite(seconds float64, err error) {
	if err != nil {
		m.snapshotFailures.Inc()
		return
	}
	m.snapshotWrites.Inc()
	m.snapshotDuration.Observe(seconds)
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a metrics HTTP server on addr. It returns immediately; the
// server runs until the process exits.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go http.ListenAndServe(addr, mux)
}
