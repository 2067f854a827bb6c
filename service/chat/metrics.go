package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OnlineUsers prometheus.Gauge
	LiveConns   prometheus.Gauge
	Admitted    prometheus.Counter
	Refused     prometheus.Counter
	Superseded  prometheus.Counter
	Detached    *prometheus.CounterVec // reason
	Broadcasts  prometheus.Counter
	Deliveries  *prometheus.CounterVec // result: delivered|offline|failed
}

// NewMetrics registers the gateway collectors on reg; nil gets a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "online_users",
			Help: "Identities currently holding a registered connection.",
		}),
		LiveConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "live_connections",
			Help: "Admitted connections not yet detached, superseded ones included.",
		}),
		Admitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "admitted_total",
			Help: "Connections admitted.",
		}),
		Refused: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "refused_total",
			Help: "Handshakes refused before admission.",
		}),
		Superseded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "superseded_total",
			Help: "Registrations that replaced an existing connection for the same identity.",
		}),
		Detached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "detached_total",
			Help: "Connections detached, by reason.",
		}, []string{"reason"}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "presence_broadcasts_total",
			Help: "Presence-changed broadcasts issued.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatty", Subsystem: "gateway", Name: "deliveries_total",
			Help: "New-message deliveries, by result.",
		}, []string{"result"}),
	}
}
