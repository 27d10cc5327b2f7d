package stream

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
)

func testURL(tsName string) string { return "https://cdn.example/" + tsName }

func TestEmptyPlaylistIsHeaderOnly(t *testing.T) {
	m := NewHLSManager(NewMemoryHlsStorage(), zap.NewNop())
	id := NewStreamID("r1", "m1")
	// Create state by adding then checking a fresh stream via AddSegment-free path:
	_ = m.stream(id, true)

	playlist, err := m.Playlist(id, testURL)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"#EXTM3U", "#EXT-X-VERSION:3", "#EXT-X-TARGETDURATION:10", "#EXT-X-MEDIA-SEQUENCE:0"} {
		if !strings.Contains(playlist, want) {
			t.Fatalf("playlist missing %q:\n%s", want, playlist)
		}
	}
	if strings.Contains(playlist, "#EXT-X-ENDLIST") {
		t.Fatal("live playlist carries ENDLIST")
	}
}

func TestPlaylistUnknownStream(t *testing.T) {
	m := NewHLSManager(NewMemoryHlsStorage(), zap.NewNop())
	if _, err := m.Playlist(NewStreamID("nope", "m"), testURL); err == nil {
		t.Fatal("expected error for unknown stream")
	}
}

func TestAddSegmentsAndPlaylist(t *testing.T) {
	storage := NewMemoryHlsStorage()
	m := NewHLSManager(storage, zap.NewNop())
	id := NewStreamID("r1", "m1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := m.AddSegment(ctx, id, []byte{byte(i)}, 9*time.Second, i == 0)
		if err != nil {
			t.Fatal(err)
		}
		if info.Sequence != uint64(i) {
			t.Fatalf("sequence = %d, want %d", info.Sequence, i)
		}
		// Storage keys are flat with dashes; registry keys use / and :.
		if strings.ContainsAny(info.StorageKey, "/:") {
			t.Fatalf("storage key %q contains path separators", info.StorageKey)
		}
	}

	playlist, err := m.Playlist(id, testURL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(playlist, "#EXT-X-DISCONTINUITY") {
		t.Fatal("missing discontinuity marker")
	}
	if !strings.Contains(playlist, "#EXTINF:9.000,") {
		t.Fatalf("missing EXTINF:\n%s", playlist)
	}
	if !strings.Contains(playlist, "https://cdn.example/0.ts") {
		t.Fatal("caller URL generator not used")
	}

	data, err := m.ReadSegment(ctx, id, "1.ts")
	if err != nil || len(data) != 1 || data[0] != 1 {
		t.Fatalf("read segment: %v %v", data, err)
	}
}

func TestRollingWindowEvictsOldest(t *testing.T) {
	storage := NewMemoryHlsStorage()
	m := NewHLSManager(storage, zap.NewNop())
	m.window = 3
	id := NewStreamID("r1", "m1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.AddSegment(ctx, id, []byte{byte(i)}, time.Second, false); err != nil {
			t.Fatal(err)
		}
	}
	playlist, _ := m.Playlist(id, testURL)
	if !strings.Contains(playlist, "#EXT-X-MEDIA-SEQUENCE:2") {
		t.Fatalf("media sequence wrong:\n%s", playlist)
	}
	if strings.Contains(playlist, "/0.ts") || strings.Contains(playlist, "/1.ts") {
		t.Fatal("evicted segments still listed")
	}
	// Evicted objects removed from storage too.
	if ok, _ := storage.Exists(ctx, storageKey("live", "r1", "m1", "0.ts")); ok {
		t.Fatal("evicted segment still stored")
	}
}

func TestEndedStreamGetsEndList(t *testing.T) {
	m := NewHLSManager(NewMemoryHlsStorage(), zap.NewNop())
	id := NewStreamID("r1", "m1")
	_, _ = m.AddSegment(context.Background(), id, []byte{1}, time.Second, false)
	m.MarkEnded(id)
	playlist, _ := m.Playlist(id, testURL)
	if !strings.HasSuffix(strings.TrimSpace(playlist), "#EXT-X-ENDLIST") {
		t.Fatalf("missing ENDLIST:\n%s", playlist)
	}
}

func TestRemuxerCutsOnKeyframes(t *testing.T) {
	storage := NewMemoryHlsStorage()
	m := NewHLSManager(storage, zap.NewNop())
	m.targetDur = 10 * time.Millisecond
	r := NewRemuxer(m, PassthroughPackager{}, zap.NewNop())

	hub := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	pub, _ := hub.Publish(id)
	sub, _ := hub.Subscribe(id, SubscriberHLS)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), id, sub)
		close(done)
	}()

	// Two keyframe-led bursts past the target duration, then unpublish.
	pub.WriteFrame(Frame{Kind: FrameVideo, Keyframe: true, TimestampMS: 0, Data: []byte("a")})
	pub.WriteFrame(Frame{Kind: FrameAudio, TimestampMS: 5, Data: []byte("b")})
	pub.WriteFrame(Frame{Kind: FrameVideo, Keyframe: true, TimestampMS: 20, Data: []byte("c")})
	pub.WriteFrame(Frame{Kind: FrameVideo, Keyframe: true, TimestampMS: 40, Data: []byte("d")})
	time.Sleep(20 * time.Millisecond)
	hub.Unpublish(id)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("remuxer did not stop on unpublish")
	}

	playlist, err := m.Playlist(id, testURL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(playlist, "#EXT-X-ENDLIST") {
		t.Fatal("remuxer did not mark stream ended")
	}
	segs := strings.Count(playlist, "#EXTINF")
	if segs < 2 {
		t.Fatalf("segments = %d, want at least 2:\n%s", segs, playlist)
	}
}

func TestCleanupIdleRemovesStaleStreams(t *testing.T) {
	m := NewHLSManager(NewMemoryHlsStorage(), zap.NewNop())
	for i := 0; i < 3; i++ {
		id := NewStreamID("r1", models.MediaID(fmt.Sprintf("m%d", i)))
		_, _ = m.AddSegment(context.Background(), id, []byte{1}, time.Second, false)
	}
	time.Sleep(2 * time.Millisecond)
	removed := m.CleanupIdle(context.Background(), time.Millisecond)
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
}
