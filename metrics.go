package router

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics and searchMetrics are optional; a nil *Metrics
// (Router.metrics) disables instrumentation entirely, so unit tests can
// construct a NodeStore/SearchStore without a Prometheus registry.
//
// Grounded on the prometheus/client_golang dependency declared in both
// nmxmxh-inos_v1/go.mod and wyf-ACCEPT-eth2030/go.mod — neither repo's
// application code imports it directly (only indirectly, via libp2p
// and go-ethereum/metrics), so this is the pack's dependency surface
// given an actual home rather than copied call-site code.
type storeMetrics struct {
	size     prometheus.Gauge
	evicted  prometheus.Counter
	meanReach prometheus.Gauge
}

type searchMetrics struct {
	active      prometheus.Gauge
	probesSent  prometheus.Counter
	timeouts    prometheus.Counter
	terminated  prometheus.Counter
}

// Metrics bundles every Prometheus collector the router exposes.
type Metrics struct {
	store  *storeMetrics
	search *searchMetrics
}

// NewMetrics registers the router's collectors against reg and returns
// a handle to pass to NewRouter. Passing a nil *Metrics to NewRouter
// disables instrumentation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		store: &storeMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "router", Subsystem: "nodestore", Name: "size",
				Help: "Number of nodes currently held in the node store.",
			}),
			evicted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "router", Subsystem: "nodestore", Name: "evictions_total",
				Help: "Total nodes evicted from the node store (capacity or timeout).",
			}),
			meanReach: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "router", Subsystem: "nodestore", Name: "mean_reach",
				Help: "Mean reach score across all stored nodes.",
			}),
		},
		search: &searchMetrics{
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "router", Subsystem: "search", Name: "active",
				Help: "Number of in-flight recursive searches.",
			}),
			probesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "router", Subsystem: "search", Name: "probes_sent_total",
				Help: "Total probes dispatched across all searches.",
			}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "router", Subsystem: "search", Name: "probe_timeouts_total",
				Help: "Total probes that timed out without a reply.",
			}),
			terminated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "router", Subsystem: "search", Name: "terminated_total",
				Help: "Total searches terminated by their callback.",
			}),
		},
	}
	for _, c := range []prometheus.Collector{
		m.store.size, m.store.evicted, m.store.meanReach,
		m.search.active, m.search.probesSent, m.search.timeouts, m.search.terminated,
	} {
		reg.MustRegister(c)
	}
	return m
}

func (m *storeMetrics) setSize(n int) {
	if m == nil {
		return
	}
	m.size.Set(float64(n))
}

func (m *storeMetrics) incEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *storeMetrics) setMeanReach(mean float64) {
	if m == nil {
		return
	}
	m.meanReach.Set(mean)
}

func (m *searchMetrics) incActive() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *searchMetrics) decActive() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *searchMetrics) incProbesSent() {
	if m == nil {
		return
	}
	m.probesSent.Inc()
}

func (m *searchMetrics) incTimeouts() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *searchMetrics) incTerminated() {
	if m == nil {
		return
	}
	m.terminated.Inc()
}
