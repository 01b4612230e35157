package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatabaseQueryLatency records repository latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gizchat_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// ChatCommandsTotal counts websocket commands by name and outcome code.
	ChatCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gizchat_chat_commands_total",
		Help: "Total chat commands handled, by command and outcome",
	}, []string{"command", "outcome"})

	// ChatMessagesTotal counts persisted messages by type and entry point.
	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gizchat_chat_messages_total",
		Help: "Total chat messages persisted",
	}, []string{"m_type", "source"})

	// GroupMembers is the number of local sinks subscribed to user groups.
	GroupMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gizchat_group_members",
		Help: "Number of local connections registered in chat groups",
	})

	// GroupPublishErrors counts failed fan-out publishes.
	GroupPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gizchat_group_publish_errors_total",
		Help: "Total group publish failures",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gizchat_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// RecordCommand increments the command counter. An empty outcome means "ok".
func RecordCommand(command, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	ChatCommandsTotal.WithLabelValues(command, outcome).Inc()
}

// RecordMessage increments the persisted-message counter.
func RecordMessage(messageType, source string) {
	ChatMessagesTotal.WithLabelValues(messageType, source).Inc()
}
