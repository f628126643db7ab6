package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatlink_connection_status",
			Help: "Current WebSocket connection status (1 for the active state)",
		},
		[]string{"status"},
	)

	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlink_reconnect_attempts_total",
			Help: "Total number of WebSocket reconnection attempts",
		},
	)

	MessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlink_messages_sent_total",
			Help: "Total number of messages transmitted to the server",
		},
	)

	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_messages_received_total",
			Help: "Total number of inbound server events by type",
		},
		[]string{"event"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_cache_lookups_total",
			Help: "Conversation snapshot cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	HistoryFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatlink_history_fetch_duration_seconds",
			Help:    "Duration of REST history fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// SetConnectionStatus flips the status gauge so exactly one label reads 1.
func SetConnectionStatus(current string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "error"} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
}
