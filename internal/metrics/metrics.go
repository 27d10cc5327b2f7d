// Package metrics exposes Prometheus instrumentation for the node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the node's instrument set.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	SFURooms          prometheus.Gauge
	SFUPeers          prometheus.Gauge

	PacketsRelayed prometheus.Counter
	BytesRelayed   prometheus.Counter

	EventsPublished  prometheus.Counter
	EventsReceived   prometheus.Counter
	RateLimitRejects prometheus.Counter

	PullStreams     prometheus.Gauge
	ExternalStreams prometheus.Gauge
	HLSSegments     prometheus.Counter
}

// New registers the instrument set on a registerer (pass
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_active_connections",
			Help: "Live streaming/signaling connections on this node.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_active_rooms",
			Help: "Rooms with at least one local subscriber.",
		}),
		SFURooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_sfu_rooms",
			Help: "Active SFU rooms on this node.",
		}),
		SFUPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_sfu_peers",
			Help: "Peers across all SFU rooms on this node.",
		}),
		PacketsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "synctv_rtp_packets_relayed_total",
			Help: "RTP packets forwarded by the SFU.",
		}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "synctv_rtp_bytes_relayed_total",
			Help: "RTP bytes forwarded by the SFU.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "synctv_cluster_events_published_total",
			Help: "Cluster events published by this node.",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "synctv_cluster_events_received_total",
			Help: "Cluster events received from other nodes.",
		}),
		RateLimitRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "synctv_rate_limit_rejects_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		PullStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_pull_streams",
			Help: "Live cross-node pull relays.",
		}),
		ExternalStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_external_streams",
			Help: "Live external publish pulls.",
		}),
		HLSSegments: factory.NewCounter(prometheus.CounterOpts{
			Name: "synctv_hls_segments_total",
			Help: "HLS segments produced.",
		}),
	}
}
