package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported at /metrics.
type Metrics struct {
	Connections    prometheus.Gauge
	OnlineUsers    prometheus.Gauge
	EventsReceived *prometheus.CounterVec
	EventsSent     *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	Evictions      prometheus.Counter
	Pruned         prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "online_users",
			Help:      "Identities currently announced.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_received_total",
			Help:      "Inbound events by type.",
		}, []string{"type"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_sent_total",
			Help:      "Outbound event deliveries by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped without effect, by reason.",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "evictions_total",
			Help:      "Connections closed for a full send buffer or identity takeover.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_pruned_total",
			Help:      "Messages removed by the retention sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.OnlineUsers,
			m.EventsReceived,
			m.EventsSent,
			m.EventsDropped,
			m.Evictions,
			m.Pruned,
		)
	}
	return m
}
