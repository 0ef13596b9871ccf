package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry exposes the same counters through a prometheus.Registerer,
// for operators running peerlink-noded with /metrics scraping enabled.
// This has no teacher analogue (the teacher never exports Prometheus
// metrics) — grounded instead on gezibash-arc-node's use of
// prometheus/client_golang, wiring the dependency into the ambient
// stack SPEC_FULL.md calls for.
type Registry struct {
	reg *prometheus.Registry
	m   *Metrics

	electionsWon    prometheus.CounterFunc
	electionsJoined prometheus.CounterFunc
	failovers       prometheus.CounterFunc
	escalations     prometheus.CounterFunc
	messagesRelayed prometheus.CounterFunc
	keyRotations    prometheus.CounterFunc
	kicks           prometheus.CounterFunc
	sgThrottled     prometheus.CounterFunc
	sgNetworkDown   prometheus.CounterFunc
}

// NewRegistry wraps m in a fresh prometheus.Registry ready to be
// served by promhttp.HandlerFor.
func NewRegistry(m *Metrics) *Registry {
	r := &Registry{reg: prometheus.NewRegistry(), m: m}

	r.electionsWon = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "namespace", Name: "elections_won_total",
		Help: "Number of namespace elections this node won as router.",
	}, func() float64 { return float64(m.electionsWon.Load()) })

	r.electionsJoined = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "namespace", Name: "elections_joined_total",
		Help: "Number of namespace elections this node joined as a member.",
	}, func() float64 { return float64(m.electionsJoined.Load()) })

	r.failovers = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "namespace", Name: "failovers_total",
		Help: "Number of router failovers observed.",
	}, func() float64 { return float64(m.failovers.Load()) })

	r.escalations = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "namespace", Name: "escalations_total",
		Help: "Number of level escalations performed.",
	}, func() float64 { return float64(m.escalations.Load()) })

	r.messagesRelayed = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "group", Name: "messages_relayed_total",
		Help: "Number of group messages relayed by this node as router.",
	}, func() float64 { return float64(m.messagesRelayed.Load()) })

	r.keyRotations = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "group", Name: "key_rotations_total",
		Help: "Number of group key rotations performed.",
	}, func() float64 { return float64(m.keyRotations.Load()) })

	r.kicks = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "group", Name: "kicks_total",
		Help: "Number of members kicked from groups.",
	}, func() float64 { return float64(m.kicks.Load()) })

	r.sgThrottled = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "siggate", Name: "throttled_total",
		Help: "Number of times the signaling gate entered a throttled backoff.",
	}, func() float64 { return float64(m.sgThrottled.Load()) })

	r.sgNetworkDown = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "peerlink", Subsystem: "siggate", Name: "network_down_total",
		Help: "Number of times the signaling gate detected the network was down.",
	}, func() float64 { return float64(m.sgNetworkDown.Load()) })

	r.reg.MustRegister(
		r.electionsWon, r.electionsJoined, r.failovers, r.escalations,
		r.messagesRelayed, r.keyRotations, r.kicks,
		r.sgThrottled, r.sgNetworkDown,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
