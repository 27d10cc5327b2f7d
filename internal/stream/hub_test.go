package stream

import (
	"testing"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/synctverr"
)

func TestParseStreamName(t *testing.T) {
	cases := []struct {
		in        string
		room      string
		media     string
		wantError bool
	}{
		{"r1:m1", "r1", "m1", false},
		{"r1/m1", "r1", "m1", false},
		{"r1", "", "", true},
		{":m1", "", "", true},
		{"r1:", "", "", true},
		{"", "", "", true},
	}
	for _, c := range cases {
		room, media, err := ParseStreamName(c.in)
		if c.wantError {
			if err == nil {
				t.Errorf("ParseStreamName(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStreamName(%q): %v", c.in, err)
			continue
		}
		if room.String() != c.room || media.String() != c.media {
			t.Errorf("ParseStreamName(%q) = (%s, %s)", c.in, room, media)
		}
	}
}

func TestSecondPublisherRejected(t *testing.T) {
	h := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	if _, err := h.Publish(id); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, err := h.Publish(id); err != synctverr.ErrAlreadyExists {
		t.Fatalf("second publish err = %v, want ErrAlreadyExists", err)
	}
}

func TestFramesReachSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	pub, err := h.Publish(id)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := h.Subscribe(id, SubscriberFLV)
	if err != nil {
		t.Fatal(err)
	}

	pub.WriteFrame(Frame{Kind: FrameVideo, TimestampMS: 10, Keyframe: true, Data: []byte{1}})
	select {
	case f := <-sub.C:
		if f.Kind != FrameVideo || f.TimestampMS != 10 {
			t.Fatalf("wrong frame %+v", f)
		}
	default:
		t.Fatal("frame not delivered")
	}
}

func TestLateSubscriberGetsSequenceHeaders(t *testing.T) {
	h := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	pub, _ := h.Publish(id)

	pub.WriteFrame(Frame{Kind: FrameMetadata, Data: []byte("meta")})
	pub.WriteFrame(Frame{Kind: FrameVideo, SequenceHeader: true, Data: []byte("avc")})
	pub.WriteFrame(Frame{Kind: FrameAudio, SequenceHeader: true, Data: []byte("aac")})
	pub.WriteFrame(Frame{Kind: FrameVideo, Keyframe: true, Data: []byte("idr")}) // not retained

	sub, err := h.Subscribe(id, SubscriberHLS)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []FrameKind
	for i := 0; i < 3; i++ {
		select {
		case f := <-sub.C:
			kinds = append(kinds, f.Kind)
		default:
			t.Fatalf("only %d retained frames delivered", i)
		}
	}
	select {
	case f := <-sub.C:
		t.Fatalf("unexpected extra frame %+v", f)
	default:
	}
	if len(kinds) != 3 {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestUnpublishClosesSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	_, _ = h.Publish(id)
	sub, _ := h.Subscribe(id, SubscriberFLV)

	if !h.Unpublish(id) {
		t.Fatal("unpublish returned false")
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscriber not signalled on unpublish")
	}
	if h.IsLive(id) {
		t.Fatal("stream still live after unpublish")
	}
	// Publishing again must work.
	if _, err := h.Publish(id); err != nil {
		t.Fatalf("republish: %v", err)
	}
}

func TestSlowSubscriberDropsOldestFrame(t *testing.T) {
	h := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	pub, _ := h.Publish(id)
	sub, _ := h.Subscribe(id, SubscriberFLV)

	for i := 0; i <= subscriberBuffer; i++ {
		pub.WriteFrame(Frame{Kind: FrameVideo, TimestampMS: uint32(i)})
	}
	first := <-sub.C
	if first.TimestampMS == 0 {
		t.Fatal("oldest frame was not dropped")
	}
}

func TestUnsubscribeDetaches(t *testing.T) {
	h := NewHub(zap.NewNop())
	id := NewStreamID("r1", "m1")
	pub, _ := h.Publish(id)
	sub, _ := h.Subscribe(id, SubscriberFLV)

	h.Unsubscribe(id, sub.ID)
	if pub.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", pub.SubscriberCount())
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("done not signalled on unsubscribe")
	}
}

// Frame writers push after releasing the publisher lock, so a write can
// race an unpublish or unsubscribe. The subscription must absorb that
// without a send on a closed channel; run with -race.
func TestWriteFrameRacesUnpublish(t *testing.T) {
	h := NewHub(zap.NewNop())
	for i := 0; i < 100; i++ {
		id := NewStreamID("r1", "m1")
		pub, err := h.Publish(id)
		if err != nil {
			t.Fatal(err)
		}
		sub, _ := h.Subscribe(id, SubscriberFLV)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 50; j++ {
				pub.WriteFrame(Frame{Kind: FrameVideo, TimestampMS: uint32(j)})
			}
		}()
		h.Unpublish(id)
		<-done
		select {
		case <-sub.Done():
		default:
			t.Fatal("done not signalled on unpublish")
		}
	}
}

func TestHooksFire(t *testing.T) {
	h := NewHub(zap.NewNop())
	var published, unpublished []StreamID
	h.SetHooks(
		func(id StreamID) { published = append(published, id) },
		func(id StreamID) { unpublished = append(unpublished, id) },
	)
	id := NewStreamID("r1", "m1")
	_, _ = h.Publish(id)
	h.Unpublish(id)
	if len(published) != 1 || len(unpublished) != 1 {
		t.Fatalf("hooks: publish=%v unpublish=%v", published, unpublished)
	}
}
