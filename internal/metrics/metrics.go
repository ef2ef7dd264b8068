// Package metrics holds the prometheus instrumentation shared by the
// Gateway and the Agent: session counts, RDP proxy outcomes, and
// websocket reconnect attempts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every prometheus collector this repo registers. Pass
// to the components that need to record against it.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	ProxySessionsTotal  *prometheus.CounterVec
	WebsocketReconnects prometheus.Counter
	TargetLookupFailed  prometheus.Counter
}

// New creates and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rdptunnel",
				Name:      "active_sessions",
				Help:      "Number of RDP sessions currently tunneled.",
			},
		),
		SessionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rdptunnel",
				Name:      "sessions_total",
				Help:      "Total number of RDP sessions accepted by the gateway.",
			},
		),
		ProxySessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rdptunnel",
				Name:      "proxy_sessions_total",
				Help:      "Total number of agent-side proxy sessions, by outcome.",
			},
			[]string{"outcome"}, // outcome=completed/failed
		),
		WebsocketReconnects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rdptunnel",
				Name:      "websocket_reconnects_total",
				Help:      "Total number of times the agent reconnected to the gateway.",
			},
		),
		TargetLookupFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rdptunnel",
				Name:      "target_lookup_failed_total",
				Help:      "Total number of TCP connections rejected for lacking a routable target.",
			},
		),
	}
}
