package models

import "time"

// PublisherKind distinguishes how a live stream entered the cluster.
type PublisherKind string

const (
	// PublisherKindRTMP is a stream ingested over RTMP on the owning node.
	PublisherKindRTMP PublisherKind = "rtmp"
	// PublisherKindExternalPuller is a stream pulled from a foreign
	// RTMP/HTTP-FLV source by the owning node.
	PublisherKindExternalPuller PublisherKind = "external_puller"
)

// PublisherInfo is the cluster-wide advertisement of a live publisher,
// stored in Redis under publisher:{room_id}:{media_id}. At most one
// publisher may exist per (room, media) cluster-wide; registration uses
// SET NX to enforce it. Only the owning node may unregister the entry.
type PublisherInfo struct {
	RoomID  RoomID        `json:"room_id"`
	MediaID MediaID       `json:"media_id"`
	NodeID  NodeID        `json:"node_id"`
	Kind    PublisherKind `json:"kind"`
}

// PlaybackState is the shared playback position of a room. Version is
// monotonic; consumers must drop updates older than what they have seen.
type PlaybackState struct {
	RoomID     RoomID   `json:"room_id"`
	Playing    bool     `json:"playing"`
	PositionMS int64    `json:"position_ms"`
	Speed      float64  `json:"speed"`
	MediaID    *MediaID `json:"media_id,omitempty"`
	Version    int64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}
