// Package stream is the live-stream core: the in-process frame hub, the
// cluster publisher registry, lazy cross-node pull, lazy external pull,
// HLS segmenting and the user→stream index for admin kick.
package stream

import (
	"strings"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// FrameKind tags the media payload; the hub has no media knowledge beyond it.
type FrameKind string

const (
	FrameAudio    FrameKind = "audio"
	FrameVideo    FrameKind = "video"
	FrameMetadata FrameKind = "metadata"
)

// Frame is one opaque media frame.
type Frame struct {
	Kind        FrameKind
	TimestampMS uint32
	// Keyframe marks video IDR frames; segmenters cut on these.
	Keyframe bool
	// SequenceHeader marks codec configuration frames that every new
	// subscriber must receive before decodable data.
	SequenceHeader bool
	Data           []byte
}

// DefaultApp is the RTMP application name for the core pipeline.
const DefaultApp = "live"

// StreamID identifies a published stream on this node.
type StreamID struct {
	App    string
	Stream string
}

// NewStreamID builds the canonical stream identifier for a room's media.
// The canonical stream-name form is "room:media"; "room/media" is accepted
// on demux (ParseStreamName) but never produced.
func NewStreamID(roomID models.RoomID, mediaID models.MediaID) StreamID {
	return StreamID{App: DefaultApp, Stream: roomID.String() + ":" + mediaID.String()}
}

// RegistryKey is the "{app}/{room}:{media}" form used by stream-state
// registries. Distinct from storage keys, which use dashes.
func (s StreamID) RegistryKey() string { return s.App + "/" + s.Stream }

// ParseStreamName splits an RTMP stream name into room and media ids.
// Both "room/media" and "room:media" are accepted.
func ParseStreamName(name string) (models.RoomID, models.MediaID, error) {
	sep := strings.IndexAny(name, ":/")
	if sep <= 0 || sep == len(name)-1 {
		return "", "", &synctverr.InvalidInputError{Field: "stream_name", Reason: "want room:media or room/media"}
	}
	return models.RoomID(name[:sep]), models.MediaID(name[sep+1:]), nil
}
