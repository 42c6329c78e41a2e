package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway/hub metrics. Registered on the default registry and exposed by the
// app's /metrics endpoint.
var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: "realtime",
		Name:      "connections",
		Help:      "Currently open websocket sessions.",
	})

	metricOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: "realtime",
		Name:      "online_users",
		Help:      "Users currently marked Online in the presence registry.",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Inbound events processed, by envelope type.",
	}, []string{"type"})

	metricEventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "realtime",
		Name:      "event_errors_total",
		Help:      "Inbound events whose handler returned an error, by envelope type.",
	}, []string{"type"})

	metricDroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "realtime",
		Name:      "dropped_sends_total",
		Help:      "Outbound envelopes dropped because a session queue was full or closing.",
	})

	metricMediaDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "realtime",
		Name:      "media_delete_failures_total",
		Help:      "Best-effort media deletions that failed and left an orphaned object.",
	})
)
