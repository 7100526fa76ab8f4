// Package metrics provides Prometheus instrumentation for the regional chat
// server. It exposes gauges for connections and region presence, counters
// for frame, message, broadcast and moderation throughput, and a histogram
// of frame handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "regionchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegionPresence tracks live connections per region.
	RegionPresence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "regionchat_region_presence",
		Help: "Current number of connections joined to each region",
	}, []string{"region"})

	// FramesTotal counts inbound frames by type and outcome ("ok", "error",
	// "invalid", "panic").
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_frames_total",
		Help: "Total number of inbound frames handled",
	}, []string{"type", "outcome"})

	// MessagesTotal counts SEND_MESSAGE results: "sent", "duplicate",
	// "blocked", "invalid" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// BroadcastDeliveries counts frames queued to connections by fan-out.
	BroadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "regionchat_broadcast_deliveries_total",
		Help: "Total number of frames queued to connections by broadcasts",
	})

	// BroadcastPruned counts connections removed because delivery failed.
	BroadcastPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "regionchat_broadcast_pruned_total",
		Help: "Total number of connections pruned after a failed delivery",
	})

	// ReportsTotal counts filed reports by result ("filed", "duplicate",
	// "rejected").
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_reports_total",
		Help: "Total number of message reports processed",
	}, []string{"result"})

	// AutoHiddenTotal counts messages hidden by the report threshold.
	AutoHiddenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "regionchat_auto_hidden_total",
		Help: "Total number of messages hidden after reaching the report threshold",
	})

	// ResolutionsTotal counts admin report resolutions by outcome.
	ResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_report_resolutions_total",
		Help: "Total number of reports resolved by administrators",
	}, []string{"status"})

	// SuspensionsTotal counts user suspensions by source ("auto", "admin").
	SuspensionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_suspensions_total",
		Help: "Total number of user suspensions issued",
	}, []string{"source"})

	// FrameLatency records frame processing latency in seconds.
	FrameLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regionchat_frame_latency_seconds",
		Help:    "Inbound frame processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// ConnectRejected counts upgrade attempts refused before the handshake,
	// by reason ("unauthenticated", "suspended", "rate_limited", "capacity").
	ConnectRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_connect_rejected_total",
		Help: "Total number of WebSocket upgrades refused",
	}, []string{"reason"})

	// HeartbeatEvictions counts connections closed by the heartbeat sweep,
	// by cause ("idle", "ping_failed").
	HeartbeatEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionchat_heartbeat_evictions_total",
		Help: "Total number of connections closed by the heartbeat",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegionPresence,
		FramesTotal,
		MessagesTotal,
		BroadcastDeliveries,
		BroadcastPruned,
		ReportsTotal,
		AutoHiddenTotal,
		ResolutionsTotal,
		SuspensionsTotal,
		FrameLatency,
		ConnectRejected,
		HeartbeatEvictions,
	)
}

// SetRegionPresence updates the presence gauge, dropping the series when the
// region empties so abandoned regions do not linger.
func SetRegionPresence(region string, n int) {
	if n == 0 {
		RegionPresence.DeleteLabelValues(region)
		return
	}
	RegionPresence.WithLabelValues(region).Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
