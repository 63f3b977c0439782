// Package metrics exports replication progress to Prometheus.
//
// Counters and histograms are updated by delivery workers and the engine.
// Backlog and replica state is read at scrape time by collectors, so the
// core packages never import Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridrepl"

// Metrics holds the instruments of one node. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	batchesCompleted *prometheus.CounterVec
	batchesAbandoned *prometheus.CounterVec
	packetsDelivered *prometheus.CounterVec
	resyncs          *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	mutations        *prometheus.CounterVec
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	pair := []string{"group", "target"}

	return &Metrics{
		registry: reg,
		batchesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "batches_completed_total",
			Help:      "Batches acknowledged in full by a target",
		}, pair),
		batchesAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "batches_abandoned_total",
			Help:      "Batches abandoned after a transport failure or escalated conflict",
		}, pair),
		packetsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "packets_delivered_total",
			Help:      "Packet slots carried by completed batches",
		}, pair),
		resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "resyncs_total",
			Help:      "Full state transfers performed after a stale range",
		}, pair),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "conflicts_escalated_total",
			Help:      "Conflicts a target escalated instead of resolving",
		}, append(pair, "cause")),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time from sending a batch to receiving its ack",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, pair),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "mutations_total",
			Help:      "Mutations accepted by the pipeline, by operation kind",
		}, []string{"kind"}),
	}
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Register adds extra collectors, typically BacklogCollector and
// ReplicaCollector.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	if m == nil {
		return nil
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BatchCompleted records a fully acknowledged batch of n packet slots.
func (m *Metrics) BatchCompleted(group, target string, n int, took time.Duration) {
	if m == nil {
		return
	}
	m.batchesCompleted.WithLabelValues(group, target).Inc()
	m.packetsDelivered.WithLabelValues(group, target).Add(float64(n))
	m.sendDuration.WithLabelValues(group, target).Observe(took.Seconds())
}

// BatchAbandoned records an abandoned batch.
func (m *Metrics) BatchAbandoned(group, target string) {
	if m == nil {
		return
	}
	m.batchesAbandoned.WithLabelValues(group, target).Inc()
}

// Resynced records a full state transfer.
func (m *Metrics) Resynced(group, target string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(group, target).Inc()
}

// ConflictEscalated records a conflict reported in an ack.
func (m *Metrics) ConflictEscalated(group, target, cause string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(group, target, cause).Inc()
}

// MutationAccepted records one mutation entering the pipeline.
func (m *Metrics) MutationAccepted(kind string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind).Inc()
}
