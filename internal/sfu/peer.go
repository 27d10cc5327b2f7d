// Package sfu implements the selective forwarding core: multi-room RTP
// fan-out with per-room P2P/SFU mode switching, atomic capacity limits and
// network-quality hints.
package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/synctv-org/synctv/internal/models"
)

// peerPacketBuffer bounds each peer's outbound packet channel. Forwarding
// never blocks on a slow peer: the packet is dropped for that peer only.
const peerPacketBuffer = 256

// TrackKind is the media type of a published track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// OutPacket is one RTP packet addressed to a subscriber.
type OutPacket struct {
	TrackID models.TrackID
	Packet  *rtp.Packet
}

// PacketSource yields a track's RTP packets; the forwarding task reads it
// until error.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// Peer is one endpoint in an SFU room.
type Peer struct {
	ID models.PeerID

	// out is never closed: forwarding goroutines may race peer removal, and
	// a send on a closed channel would panic. Removal is signalled on done;
	// the transport drains out until Done fires.
	out  chan *OutPacket
	done chan struct{}
	gone atomic.Bool

	sentBytes      atomic.Uint64
	sentPackets    atomic.Uint64
	droppedPackets atomic.Uint64

	statsMu sync.Mutex
	stats   NetworkStats
}

func newPeer(id models.PeerID) *Peer {
	return &Peer{
		ID:   id,
		out:  make(chan *OutPacket, peerPacketBuffer),
		done: make(chan struct{}),
	}
}

// Packets is the peer's outbound packet stream; the transport layer drains
// it into the peer's WebRTC tracks until Done fires.
func (p *Peer) Packets() <-chan *OutPacket { return p.out }

// Done fires when the peer leaves its room.
func (p *Peer) Done() <-chan struct{} { return p.done }

// send tries a non-blocking delivery and counts the outcome.
func (p *Peer) send(pkt *OutPacket, size int) bool {
	if p.gone.Load() {
		return false
	}
	select {
	case p.out <- pkt:
		p.sentPackets.Add(1)
		p.sentBytes.Add(uint64(size))
		return true
	default:
		p.droppedPackets.Add(1)
		return false
	}
}

// SentBytes returns the total payload bytes forwarded to this peer.
func (p *Peer) SentBytes() uint64 { return p.sentBytes.Load() }

// DroppedPackets returns packets lost to this peer's full buffer.
func (p *Peer) DroppedPackets() uint64 { return p.droppedPackets.Load() }

// UpdateNetworkStats stores transport-reported stats for quality hints.
func (p *Peer) UpdateNetworkStats(stats NetworkStats) {
	p.statsMu.Lock()
	p.stats = stats
	p.statsMu.Unlock()
}

// NetworkStatsSnapshot returns the last reported stats.
func (p *Peer) NetworkStatsSnapshot() NetworkStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Peer) close() {
	if p.gone.CompareAndSwap(false, true) {
		close(p.done)
	}
}
