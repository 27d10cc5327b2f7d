package sfu

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

func testConfig() Config {
	return Config{SFUThreshold: 3, MaxPeersPerRoom: 5, MaxRooms: 4, CleanupInterval: time.Hour}
}

// chanSource feeds RTP packets from a channel; ReadRTP blocks until a packet
// arrives or the channel closes.
type chanSource struct {
	ch chan *rtp.Packet
}

func newChanSource() *chanSource { return &chanSource{ch: make(chan *rtp.Packet, 16)} }

func (s *chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func TestModeSwitchAtThreshold(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	room, err := m.GetOrCreateRoom("r1")
	if err != nil {
		t.Fatal(err)
	}

	_, _ = room.AddPeer("p1")
	_, _ = room.AddPeer("p2")
	if room.Mode() != ModeP2P {
		t.Fatalf("mode = %s below threshold", room.Mode())
	}
	_, _ = room.AddPeer("p3")
	if room.Mode() != ModeSFU {
		t.Fatalf("mode = %s at threshold", room.Mode())
	}
	_ = room.RemovePeer("p3")
	if room.Mode() != ModeP2P {
		t.Fatalf("mode = %s after dropping below threshold", room.Mode())
	}
}

func TestThresholdOneIsSFUWithOnePeer(t *testing.T) {
	cfg := testConfig()
	cfg.SFUThreshold = 1
	m := NewManager(cfg, zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")
	if room.Mode() != ModeP2P {
		t.Fatal("empty room must be P2P")
	}
	_, _ = room.AddPeer("p1")
	if room.Mode() != ModeSFU {
		t.Fatal("room with one peer at threshold 1 must be SFU")
	}
}

func TestPeerCapEnforced(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")
	for i := 0; i < 5; i++ {
		if _, err := room.AddPeer(models.PeerID(rune('a' + i))); err != nil {
			t.Fatalf("peer %d rejected: %v", i, err)
		}
	}
	_, err := room.AddPeer("overflow")
	var capErr *synctverr.AtCapacityError
	if !errors.As(err, &capErr) || capErr.Scope != synctverr.ScopeRoomPeers {
		t.Fatalf("err = %v", err)
	}
	if room.PeerCount() != 5 {
		t.Fatalf("peer count = %d", room.PeerCount())
	}
}

func TestPeerCapUnderConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeersPerRoom = 10
	m := NewManager(cfg, zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := room.AddPeer(models.PeerID(rune(i))); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if admitted != 10 {
		t.Fatalf("admitted = %d, want 10", admitted)
	}
}

func TestRoomCapEnforced(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	for i := 0; i < 4; i++ {
		if _, err := m.GetOrCreateRoom(models.RoomID(rune('a' + i))); err != nil {
			t.Fatalf("room %d: %v", i, err)
		}
	}
	_, err := m.GetOrCreateRoom("overflow")
	if !synctverr.IsAtCapacity(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscribeRequiresPeerAndTrack(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")
	_, _ = room.AddPeer("pub")
	_, _ = room.AddPeer("sub")

	if err := room.SubscribeTrack("sub", "t1"); err != synctverr.ErrNotFound {
		t.Fatalf("subscribe to absent track err = %v", err)
	}
	if err := room.PublishTrack("pub", &Track{ID: "t1", Kind: TrackVideo, Source: newChanSource()}); err != nil {
		t.Fatal(err)
	}
	if err := room.SubscribeTrack("ghost", "t1"); err != synctverr.ErrNotFound {
		t.Fatalf("subscribe by absent peer err = %v", err)
	}
	if err := room.SubscribeTrack("sub", "t1"); err != nil {
		t.Fatalf("valid subscribe: %v", err)
	}
}

func TestForwardingExcludesPublisher(t *testing.T) {
	cfg := testConfig()
	cfg.SFUThreshold = 1
	m := NewManager(cfg, zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")

	pubPeer, _ := room.AddPeer("pub")
	subPeer, _ := room.AddPeer("sub")

	source := newChanSource()
	if err := room.PublishTrack("pub", &Track{ID: "t1", Kind: TrackVideo, Source: source}); err != nil {
		t.Fatal(err)
	}
	_ = room.SubscribeTrack("sub", "t1")
	_ = room.SubscribeTrack("pub", "t1") // publisher self-subscription must be ignored

	source.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 7}, Payload: []byte{1, 2, 3}}

	select {
	case out := <-subPeer.Packets():
		if out.TrackID != "t1" || out.Packet.SequenceNumber != 7 {
			t.Fatalf("wrong packet %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received packet")
	}
	select {
	case <-pubPeer.Packets():
		t.Fatal("publisher received its own packet")
	case <-time.After(10 * time.Millisecond):
	}

	stats := room.Stats()
	if stats.PacketsRelayed != 1 {
		t.Fatalf("packets relayed = %d", stats.PacketsRelayed)
	}
	if stats.BytesRelayed == 0 {
		t.Fatal("bytes relayed not counted")
	}
	if subPeer.SentBytes() == 0 {
		t.Fatal("per-peer sent bytes not counted")
	}
	close(source.ch)
}

func TestRemovePeerDropsItsTracksAndSubscriptions(t *testing.T) {
	cfg := testConfig()
	cfg.SFUThreshold = 1
	m := NewManager(cfg, zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")

	_, _ = room.AddPeer("pub")
	_, _ = room.AddPeer("sub")
	source := newChanSource()
	_ = room.PublishTrack("pub", &Track{ID: "t1", Kind: TrackAudio, Source: source})
	_ = room.SubscribeTrack("sub", "t1")

	if err := room.RemovePeer("pub"); err != nil {
		t.Fatal(err)
	}
	stats := room.Stats()
	if stats.Tracks != 0 || stats.Subscriptions != 0 {
		t.Fatalf("leaked state: %+v", stats)
	}
	close(source.ch)
}

func TestCleanupRemovesOnlyEmptyRooms(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	empty, _ := m.GetOrCreateRoom("empty")
	occupied, _ := m.GetOrCreateRoom("occupied")
	_, _ = occupied.AddPeer("p1")

	if removed := m.CleanupEmptyRooms(); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if _, ok := m.GetRoom("empty"); ok {
		t.Fatal("empty room survived")
	}
	if _, ok := m.GetRoom("occupied"); !ok {
		t.Fatal("occupied room was removed")
	}
	// A peer joining a collected room handle must be refused.
	if _, err := empty.AddPeer("late"); err != synctverr.ErrNotFound {
		t.Fatalf("join on closed room err = %v", err)
	}
	// The manager path retries with a fresh room.
	if _, err := m.AddPeer("empty", "late"); err != nil {
		t.Fatalf("manager AddPeer after cleanup: %v", err)
	}
}

func TestQualityActions(t *testing.T) {
	cases := []struct {
		stats NetworkStats
		want  QualityAction
	}{
		{NetworkStats{}, ActionNone},
		{NetworkStats{LossPercent: 4}, ActionReduceQuality},
		{NetworkStats{RTTMs: 450}, ActionReduceFramerate},
		{NetworkStats{LossPercent: 20}, ActionAudioOnly},
		{NetworkStats{RTTMs: 900}, ActionAudioOnly},
	}
	for _, c := range cases {
		if got := AdviseAction(c.stats); got != c.want {
			t.Errorf("AdviseAction(%+v) = %s, want %s", c.stats, got, c.want)
		}
	}
}

func TestShutdownDrainsRooms(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	room, _ := m.GetOrCreateRoom("r1")
	_, _ = room.AddPeer("p1")
	m.Shutdown()
	if m.RoomCount() != 0 {
		t.Fatalf("rooms after shutdown = %d", m.RoomCount())
	}
}
