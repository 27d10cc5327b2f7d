package sfu

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// Mode is a room's forwarding strategy.
type Mode string

const (
	// ModeP2P: few peers, media flows directly between them; the server only
	// tracks membership.
	ModeP2P Mode = "p2p"
	// ModeSFU: the server forwards every published track's RTP to its
	// subscribers.
	ModeSFU Mode = "sfu"
)

// Track is one published media track.
type Track struct {
	ID     models.TrackID
	Kind   TrackKind
	Codec  string
	Source PacketSource
}

type publishedTrack struct {
	track     *Track
	publisher models.PeerID
	cancel    context.CancelFunc // non-nil while a forwarding task runs
}

type subKey struct {
	peer  models.PeerID
	track models.TrackID
}

// RoomStats is a point-in-time room snapshot.
type RoomStats struct {
	Mode           Mode
	Peers          int
	Tracks         int
	Subscriptions  int
	PacketsRelayed uint64
	BytesRelayed   uint64
}

// Room is one SFU room. The capacity invariant |peers| <= maxPeers is
// enforced by pre-reserving the atomic counter before the map insert.
type Room struct {
	ID  models.RoomID
	cfg *Config

	peerCount atomic.Int64

	mu            sync.RWMutex
	mode          Mode
	peers         map[models.PeerID]*Peer
	tracks        map[models.TrackID]*publishedTrack
	subscriptions map[subKey]struct{}
	closed        bool

	packetsRelayed atomic.Uint64
	bytesRelayed   atomic.Uint64

	wg     sync.WaitGroup
	logger *zap.Logger
}

func newRoom(id models.RoomID, cfg *Config, logger *zap.Logger) *Room {
	return &Room{
		ID:            id,
		cfg:           cfg,
		mode:          ModeP2P,
		peers:         make(map[models.PeerID]*Peer),
		tracks:        make(map[models.TrackID]*publishedTrack),
		subscriptions: make(map[subKey]struct{}),
		logger:        logger.With(zap.String("room_id", id.String())),
	}
}

// AddPeer admits a peer, enforcing the per-room cap and flipping to SFU
// mode when the threshold is crossed.
func (r *Room) AddPeer(peerID models.PeerID) (*Peer, error) {
	if reserved := r.peerCount.Add(1); reserved > int64(r.cfg.MaxPeersPerRoom) {
		r.peerCount.Add(-1)
		return nil, &synctverr.AtCapacityError{Scope: synctverr.ScopeRoomPeers, Limit: r.cfg.MaxPeersPerRoom}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.peerCount.Add(-1)
		return nil, synctverr.ErrNotFound
	}
	if _, dup := r.peers[peerID]; dup {
		r.peerCount.Add(-1)
		return nil, synctverr.ErrAlreadyExists
	}
	peer := newPeer(peerID)
	r.peers[peerID] = peer
	r.checkModeSwitchLocked()
	return peer, nil
}

// RemovePeer evicts a peer, its published tracks and its subscriptions,
// and may flip the room back to P2P.
func (r *Room) RemovePeer(peerID models.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return synctverr.ErrNotFound
	}
	delete(r.peers, peerID)
	r.peerCount.Add(-1)

	for trackID, pt := range r.tracks {
		if pt.publisher == peerID {
			r.removeTrackLocked(trackID, pt)
		}
	}
	for key := range r.subscriptions {
		if key.peer == peerID {
			delete(r.subscriptions, key)
		}
	}
	peer.close()
	r.checkModeSwitchLocked()
	return nil
}

// PublishTrack attaches a track under an existing peer. In SFU mode the
// forwarding task starts immediately.
func (r *Room) PublishTrack(peerID models.PeerID, track *Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return synctverr.ErrNotFound
	}
	if _, dup := r.tracks[track.ID]; dup {
		return synctverr.ErrAlreadyExists
	}
	pt := &publishedTrack{track: track, publisher: peerID}
	r.tracks[track.ID] = pt
	if r.mode == ModeSFU {
		r.startForwardingLocked(pt)
	}
	r.logger.Debug("track published",
		zap.String("track_id", track.ID.String()),
		zap.String("peer_id", peerID.String()),
		zap.String("kind", string(track.Kind)))
	return nil
}

// UnpublishTrack removes a track and its subscriptions.
func (r *Room) UnpublishTrack(trackID models.TrackID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.tracks[trackID]
	if !ok {
		return synctverr.ErrNotFound
	}
	r.removeTrackLocked(trackID, pt)
	return nil
}

func (r *Room) removeTrackLocked(trackID models.TrackID, pt *publishedTrack) {
	if pt.cancel != nil {
		pt.cancel()
		pt.cancel = nil
	}
	delete(r.tracks, trackID)
	for key := range r.subscriptions {
		if key.track == trackID {
			delete(r.subscriptions, key)
		}
	}
}

// SubscribeTrack adds (peer, track) to the subscription set. Both must
// exist; the invariant that every subscription references live entities is
// kept by removing subscriptions together with peers and tracks.
func (r *Room) SubscribeTrack(peerID models.PeerID, trackID models.TrackID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return synctverr.ErrNotFound
	}
	if _, ok := r.tracks[trackID]; !ok {
		return synctverr.ErrNotFound
	}
	r.subscriptions[subKey{peer: peerID, track: trackID}] = struct{}{}
	return nil
}

// UnsubscribeTrack removes one subscription.
func (r *Room) UnsubscribeTrack(peerID models.PeerID, trackID models.TrackID) {
	r.mu.Lock()
	delete(r.subscriptions, subKey{peer: peerID, track: trackID})
	r.mu.Unlock()
}

// checkModeSwitchLocked flips the mode when the peer count crosses the
// threshold. Entering SFU spawns one forwarding task per published track;
// leaving aborts them all. Caller holds the write lock.
func (r *Room) checkModeSwitchLocked() {
	want := ModeP2P
	if len(r.peers) >= r.cfg.SFUThreshold {
		want = ModeSFU
	}
	if want == r.mode {
		return
	}
	r.mode = want
	switch want {
	case ModeSFU:
		for _, pt := range r.tracks {
			r.startForwardingLocked(pt)
		}
		r.logger.Info("room switched to SFU mode", zap.Int("peers", len(r.peers)))
	case ModeP2P:
		for _, pt := range r.tracks {
			if pt.cancel != nil {
				pt.cancel()
				pt.cancel = nil
			}
		}
		r.logger.Info("room switched to P2P mode", zap.Int("peers", len(r.peers)))
	}
}

func (r *Room) startForwardingLocked(pt *publishedTrack) {
	if pt.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pt.cancel = cancel
	r.wg.Add(1)
	go r.forwardTrack(ctx, pt)
}

// forwardTrack reads the track's RTP stream and fans every packet out to
// the track's subscribers, excluding the publisher. Sends are non-blocking.
func (r *Room) forwardTrack(ctx context.Context, pt *publishedTrack) {
	defer r.wg.Done()
	trackID := pt.track.ID
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := pt.track.Source.ReadRTP()
		if err != nil {
			return
		}
		size := pkt.MarshalSize()

		r.mu.RLock()
		targets := make([]*Peer, 0, len(r.subscriptions))
		for key := range r.subscriptions {
			if key.track != trackID || key.peer == pt.publisher {
				continue
			}
			if peer, ok := r.peers[key.peer]; ok {
				targets = append(targets, peer)
			}
		}
		r.mu.RUnlock()

		out := &OutPacket{TrackID: trackID, Packet: pkt}
		for _, peer := range targets {
			if peer.send(out, size) {
				r.packetsRelayed.Add(1)
				r.bytesRelayed.Add(uint64(size))
			}
		}
	}
}

// Mode returns the current forwarding mode.
func (r *Room) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// PeerCount returns the number of admitted peers.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// IsEmpty reports whether the room has no peers.
func (r *Room) IsEmpty() bool { return r.PeerCount() == 0 }

// PeerIDs lists the room's peers.
func (r *Room) PeerIDs() []models.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PeerID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// TrackIDs lists the published tracks.
func (r *Room) TrackIDs() []models.TrackID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TrackID, 0, len(r.tracks))
	for id := range r.tracks {
		out = append(out, id)
	}
	return out
}

// Stats returns a snapshot of the room.
func (r *Room) Stats() RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomStats{
		Mode:           r.mode,
		Peers:          len(r.peers),
		Tracks:         len(r.tracks),
		Subscriptions:  len(r.subscriptions),
		PacketsRelayed: r.packetsRelayed.Load(),
		BytesRelayed:   r.bytesRelayed.Load(),
	}
}

// NetworkQuality returns each peer's stats and the advised action.
func (r *Room) NetworkQuality() map[models.PeerID]PeerQuality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.PeerID]PeerQuality, len(r.peers))
	for id, peer := range r.peers {
		stats := peer.NetworkStatsSnapshot()
		out[id] = PeerQuality{Stats: stats, Action: AdviseAction(stats)}
	}
	return out
}

// shutdown closes the room: aborts forwarding, closes peers. Returns after
// every forwarding task exits; a task blocked in ReadRTP returns once its
// transport closes the track, so tear transports down first. Caller must
// have removed the room from the manager map already.
func (r *Room) shutdown() {
	r.mu.Lock()
	r.closed = true
	for trackID, pt := range r.tracks {
		r.removeTrackLocked(trackID, pt)
	}
	peers := r.peers
	r.peers = make(map[models.PeerID]*Peer)
	r.peerCount.Store(0)
	r.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	r.wg.Wait()
}
