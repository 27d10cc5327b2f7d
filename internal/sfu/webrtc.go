package sfu

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/synctv-org/synctv/internal/models"
)

// RemoteTrackSource adapts a pion remote track to PacketSource.
type RemoteTrackSource struct {
	track *webrtc.TrackRemote
}

// NewRemoteTrackSource wraps a remote track.
func NewRemoteTrackSource(track *webrtc.TrackRemote) *RemoteTrackSource {
	return &RemoteTrackSource{track: track}
}

// ReadRTP implements PacketSource.
func (s *RemoteTrackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

// TrackFromRemote builds the SFU's track record for a pion remote track.
func TrackFromRemote(remote *webrtc.TrackRemote) *Track {
	kind := TrackVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = TrackAudio
	}
	return &Track{
		ID:     models.TrackID(remote.ID()),
		Kind:   kind,
		Codec:  remote.Codec().MimeType,
		Source: NewRemoteTrackSource(remote),
	}
}

// StatsFromRTCP extracts link quality from a batch of RTCP packets. The
// transport layer feeds receiver reports here; the monitor output is
// advisory only.
func StatsFromRTCP(packets []rtcp.Packet, clockRate uint32) (NetworkStats, bool) {
	var stats NetworkStats
	found := false
	for _, pkt := range packets {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			found = true
			stats.LossPercent = float64(report.FractionLost) / 256 * 100
			if clockRate > 0 {
				stats.JitterMs = float64(report.Jitter) / float64(clockRate) * 1000
			}
			// DLSR is in 1/65536 seconds; RTT estimation needs the send time,
			// which the transport supplies separately. Keep the raw delay as a
			// lower bound when present.
			if report.Delay > 0 {
				stats.RTTMs = float64(report.Delay) / 65536 * 1000
			}
		}
	}
	return stats, found
}
