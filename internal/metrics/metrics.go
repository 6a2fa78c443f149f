// Package metrics defines the coordinator's Prometheus instrumentation.
// Collectors are registered against an injected registry so tests can use an
// isolated one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the coordinator exports on /metrics.
type Metrics struct {
	RegistrationsTotal    prometheus.Counter
	HeartbeatsTotal       prometheus.Counter
	ClustersIngestedTotal prometheus.Counter
	FusionPassesTotal     prometheus.Counter
	FusedClustersTotal    prometheus.Counter
	PredicatesTotal       prometheus.Counter
	DeliveriesTotal       *prometheus.CounterVec // label: status (acked|failed)
	SunsetsTotal          prometheus.Counter
	RebirthsTotal         prometheus.Counter
	ClusterPoolSize       prometheus.Gauge
	ActiveWorkers         prometheus.Gauge
}

// New creates and registers the coordinator's collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RegistrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_registrations_total",
			Help: "Worker registrations accepted.",
		}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_heartbeats_total",
			Help: "Worker heartbeats recorded.",
		}),
		ClustersIngestedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_clusters_ingested_total",
			Help: "Knowledge clusters accepted into the fusion pool.",
		}),
		FusionPassesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_fusion_passes_total",
			Help: "Fusion passes executed.",
		}),
		FusedClustersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_fused_clusters_total",
			Help: "Fused clusters produced by fusion passes.",
		}),
		PredicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_predicates_invented_total",
			Help: "Predicates promoted from fused clusters.",
		}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drey_broadcast_deliveries_total",
			Help: "Per-target broadcast delivery outcomes.",
		}, []string{"status"}),
		SunsetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_sunsets_total",
			Help: "Workers sunset by the drift sweep.",
		}),
		RebirthsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "drey_rebirths_total",
			Help: "Workers reborn from archived predecessors.",
		}),
		ClusterPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drey_cluster_pool_size",
			Help: "Knowledge clusters currently awaiting fusion.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drey_active_workers",
			Help: "Workers currently in the active lifecycle state.",
		}),
	}
}
