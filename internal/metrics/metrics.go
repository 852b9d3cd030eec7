// Package metrics exposes Prometheus instrumentation for the coordination
// engine: membership, elections, consistency-mode writes, request routing,
// and replica lag.
//
// All methods are safe on a nil *Metrics so components can be constructed
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meridian"

// Metrics holds every collector registered by the engine.
type Metrics struct {
	registry *prometheus.Registry

	// NodesTotal is the number of nodes ever joined and not removed.
	NodesTotal prometheus.Gauge
	// NodesLive counts nodes that are not failed.
	NodesLive prometheus.Gauge
	// LeaderID is the current leader's id, 0 when leaderless.
	LeaderID prometheus.Gauge

	Events           *prometheus.CounterVec
	Elections        *prometheus.CounterVec
	ElectionDuration prometheus.Histogram

	Writes        *prometheus.CounterVec
	WriteDuration *prometheus.HistogramVec
	LockWait      prometheus.Histogram

	Routed   *prometheus.CounterVec
	NodeLoad *prometheus.GaugeVec

	// ReplicaLag is the last observed commit-to-apply delta per replica.
	ReplicaLag *prometheus.GaugeVec
	// ReplicaStatus is 1 for the replica's current sync status label.
	ReplicaStatus *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		NodesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "nodes_total",
			Help: "Number of registered nodes.",
		}),
		NodesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "nodes_live",
			Help: "Number of nodes that are not failed.",
		}),
		LeaderID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "leader_id",
			Help: "Id of the current leader, 0 when there is none.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventlog", Name: "events_total",
			Help: "Events appended to the coordination log.",
		}, []string{"type", "severity"}),
		Elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "election", Name: "elections_total",
			Help: "Completed elections by result.",
		}, []string{"result"}),
		ElectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "election", Name: "duration_seconds",
			Help:    "Time from election start to decision.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consistency", Name: "writes_total",
			Help: "Writes by consistency mode and result.",
		}, []string{"mode", "result"}),
		WriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consistency", Name: "write_duration_seconds",
			Help:    "Write latency by consistency mode.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"mode"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consistency", Name: "lock_wait_seconds",
			Help:    "Time spent waiting to acquire a resource lock.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "balancer", Name: "routed_total",
			Help: "Requests routed per node and strategy.",
		}, []string{"strategy", "node"}),
		NodeLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "balancer", Name: "node_load",
			Help: "Current in-flight load per node.",
		}, []string{"node"}),
		ReplicaLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replication", Name: "lag_milliseconds",
			Help: "Commit-to-apply lag of the last replicated write.",
		}, []string{"node"}),
		ReplicaStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replication", Name: "replica_status",
			Help: "Replica sync status, 1 for the active status label.",
		}, []string{"node", "status"}),
	}

	m.registry.MustRegister(
		m.NodesTotal, m.NodesLive, m.LeaderID,
		m.Events, m.Elections, m.ElectionDuration,
		m.Writes, m.WriteDuration, m.LockWait,
		m.Routed, m.NodeLoad,
		m.ReplicaLag, m.ReplicaStatus,
	)
	return m
}

// Registry returns the private registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveEvent(eventType, severity string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) SetMembership(total, live, leaderID int) {
	if m == nil {
		return
	}
	m.NodesTotal.Set(float64(total))
	m.NodesLive.Set(float64(live))
	m.LeaderID.Set(float64(leaderID))
}

func (m *Metrics) ObserveElection(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Elections.WithLabelValues(result).Inc()
	m.ElectionDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveWrite(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(mode, result).Inc()
	m.WriteDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveRoute(strategy string, nodeID int) {
	if m == nil {
		return
	}
	m.Routed.WithLabelValues(strategy, strconv.Itoa(nodeID)).Inc()
}

func (m *Metrics) SetNodeLoad(nodeID, load int) {
	if m == nil {
		return
	}
	m.NodeLoad.WithLabelValues(strconv.Itoa(nodeID)).Set(float64(load))
}

// SetReplica records a replica's status and lag. Previous status labels
// for the node are removed so exactly one status series reads 1.
func (m *Metrics) SetReplica(nodeID int, status string, lagMs int64) {
	if m == nil {
		return
	}
	node := strconv.Itoa(nodeID)
	m.ReplicaStatus.DeletePartialMatch(prometheus.Labels{"node": node})
	m.ReplicaStatus.WithLabelValues(node, status).Set(1)
	m.ReplicaLag.WithLabelValues(node).Set(float64(lagMs))
}
