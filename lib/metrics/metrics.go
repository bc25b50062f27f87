// Package metrics holds the prometheus collectors exported by the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dtn"

// Metrics bundles every collector on its own registry so that several daemon
// instances (and tests) never collide on the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	EventsDispatched *prometheus.CounterVec
	Transfers        *prometheus.CounterVec
	TransferBytes    *prometheus.CounterVec
	Neighbors        prometheus.Gauge
	InTransit        prometheus.Gauge
	StoredBundles    prometheus.Gauge
	Injected         *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	FragmentsMerged  prometheus.Counter
	Retransmissions  *prometheus.CounterVec
	RoutingTasks     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Events delivered by the event bus, by kind.",
		}, []string{"kind"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "total",
			Help:      "Bundle transfers handed to convergence layers, by protocol and result.",
		}, []string{"protocol", "result"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes queued on convergence layers, by protocol.",
		}, []string{"protocol"}),
		Neighbors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "neighbors",
			Help:      "Currently available neighbors.",
		}),
		InTransit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "in_transit",
			Help:      "Transfer slots currently held across all neighbors.",
		}),
		StoredBundles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bundles",
			Help:      "Bundles held in storage.",
		}),
		Injected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "injected_total",
			Help:      "Bundles accepted into storage, by origin.",
		}, []string{"origin"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "rejected_total",
			Help:      "Bundles refused at injection, by reason.",
		}, []string{"reason"}),
		FragmentsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "merged_total",
			Help:      "Bundles reassembled from fragments.",
		}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "retransmissions_total",
			Help:      "Requeued transfers, by result.",
		}, []string{"result"}),
		RoutingTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "tasks_total",
			Help:      "Routing worker tasks processed, by extension.",
		}, []string{"extension"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsDispatched,
		m.Transfers,
		m.TransferBytes,
		m.Neighbors,
		m.InTransit,
		m.StoredBundles,
		m.Injected,
		m.Rejected,
		m.FragmentsMerged,
		m.Retransmissions,
		m.RoutingTasks,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
