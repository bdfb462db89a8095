// Package metrics exposes prometheus instrumentation for both binaries and
// the local resource sampler the worklet piggybacks onto heartbeats.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MS holds the metadata server's instruments.
type MS struct {
	EventsPublished    *prometheus.CounterVec
	NodesOnline        prometheus.Gauge
	HeartbeatsReceived prometheus.Counter
	PlacementDecisions prometheus.Counter
	PlacementPenalties *prometheus.CounterVec
	TasksRegistered    prometheus.Counter
}

// NewMS registers the MS instruments on the given registerer.
func NewMS(reg prometheus.Registerer) *MS {
	factory := promauto.With(reg)
	return &MS{
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ms_events_published_total",
			Help: "Unified events published, by resource type and op.",
		}, []string{"resource_type", "op"}),
		NodesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ms_nodes_online",
			Help: "Nodes currently marked online.",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ms_heartbeats_received_total",
			Help: "Node heartbeats received.",
		}),
		PlacementDecisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ms_placement_decisions_total",
			Help: "Placement decisions minted.",
		}),
		PlacementPenalties: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ms_placement_penalties_total",
			Help: "Invocation outcomes reported, by class.",
		}, []string{"outcome_class"}),
		TasksRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ms_tasks_registered_total",
			Help: "Tasks registered.",
		}),
	}
}

// Worklet holds the worker agent's instruments.
type Worklet struct {
	ExecutionsTotal  *prometheus.CounterVec
	ExecutionSeconds prometheus.Histogram
	InstancesRunning prometheus.Gauge
	ResultWritebacks *prometheus.CounterVec
	AIRequests       *prometheus.CounterVec
}

// NewWorklet registers the worklet instruments on the given registerer.
func NewWorklet(reg prometheus.Registerer) *Worklet {
	factory := promauto.With(reg)
	return &Worklet{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worklet_executions_total",
			Help: "Task executions, by terminal status.",
		}, []string{"status"}),
		ExecutionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "worklet_execution_duration_seconds",
			Help:    "Task execution wall time.",
			Buckets: prometheus.DefBuckets,
		}),
		InstancesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worklet_instances_running",
			Help: "Task instances currently running.",
		}),
		ResultWritebacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worklet_result_writebacks_total",
			Help: "Result writebacks to the MS, by outcome.",
		}, []string{"outcome"}),
		AIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worklet_ai_requests_total",
			Help: "AI requests routed, by operation and backend.",
		}, []string{"operation", "backend"}),
	}
}
