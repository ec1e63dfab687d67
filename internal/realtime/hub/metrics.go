package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Open donor connections.",
	})

	dropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connection_drops_total",
		Help: "Connections forcibly closed by the hub, grouped by reason.",
	}, []string{"reason"})

	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_malformed_messages_total",
		Help: "Inbound messages dropped because they could not be decoded.",
	})
)
