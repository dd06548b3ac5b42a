package ws

import "github.com/prometheus/client_golang/prometheus"

// Prometheus gateway metrics.
var (
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "themecast_clients_connected",
			Help: "Number of currently connected WebSocket clients.",
		},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themecast_messages_received_total",
			Help: "Inbound WebSocket messages by type.",
		},
		[]string{"type"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themecast_messages_dropped_total",
			Help: "Inbound or outbound messages discarded, by reason.",
		},
		[]string{"reason"},
	)
	presetResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themecast_preset_resets_total",
			Help: "Inactivity resets by preset.",
		},
		[]string{"preset"},
	)
	originRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themecast_origin_rejections_total",
			Help: "WebSocket handshakes refused because of their Origin.",
		},
	)
)

func init() {
	prometheus.MustRegister(clientsConnected)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(presetResets)
	prometheus.MustRegister(originRejections)
}

// Drop reasons.
const (
	dropBufferFull     = "buffer_full"
	dropRateLimited    = "rate_limited"
	dropMalformed      = "malformed"
	dropInvalidPayload = "invalid_payload"
	dropUnknownType    = "unknown_type"
)

// typeLabel keeps the type label bounded to known message names.
func typeLabel(t MessageType) string {
	switch t {
	case MessageGetInitialTheme, MessageUpdateThemeVariable, MessageUpdateFullTheme, MessageGetPresets:
		return string(t)
	default:
		return "unknown"
	}
}
