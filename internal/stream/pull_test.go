package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// fakeSource blocks on Recv until the subscription context ends or Close
// is called, like an idle remote feed.
type fakeSource struct {
	ctx    context.Context
	closed chan struct{}
	once   sync.Once
}

func (f *fakeSource) Recv() (Frame, error) {
	select {
	case <-f.ctx.Done():
	case <-f.closed:
	}
	return Frame{}, io.EOF
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeRemote struct {
	subscribes atomic.Int64
}

func (f *fakeRemote) Subscribe(ctx context.Context, _ string, _ StreamID) (FrameSource, error) {
	f.subscribes.Add(1)
	return &fakeSource{ctx: ctx, closed: make(chan struct{})}, nil
}

type fakeResolver struct {
	addr   string
	nodeID models.NodeID
	err    error
}

func (f *fakeResolver) Resolve(context.Context, models.RoomID, models.MediaID) (string, models.NodeID, error) {
	return f.addr, f.nodeID, f.err
}

func TestEnsurePullStreamSingleFlight(t *testing.T) {
	hub := NewHub(zap.NewNop())
	remote := &fakeRemote{}
	m := NewPullManager(hub, remote, &fakeResolver{addr: "nodeB:9000", nodeID: "node-b"}, zap.NewNop())

	const viewers = 10
	guards := make([]*PullGuard, viewers)
	var wg sync.WaitGroup
	errs := make([]error, viewers)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			guards[i], errs[i] = m.EnsurePullStream(context.Background(), "R", "M")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("viewer %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return remote.subscribes.Load() == 1 })
	if n := remote.subscribes.Load(); n != 1 {
		t.Fatalf("remote subscriptions = %d, want exactly 1", n)
	}
	if m.StreamCount() != 1 {
		t.Fatalf("stream count = %d", m.StreamCount())
	}
	if count := guards[0].stream.SubscriberCount(); count != viewers {
		t.Fatalf("subscriber count = %d, want %d", count, viewers)
	}

	for _, g := range guards {
		g.Release()
	}
	if count := guards[0].stream.SubscriberCount(); count != 0 {
		t.Fatalf("subscriber count after release = %d", count)
	}

	// Double release must not push the count negative.
	guards[0].Release()
	guards[0].stream.release()
	if count := guards[0].stream.SubscriberCount(); count != 0 {
		t.Fatalf("count went negative: %d", count)
	}
}

// waitFor polls cond until true or the test deadline budget runs out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPullStreamIdleGC(t *testing.T) {
	hub := NewHub(zap.NewNop())
	remote := &fakeRemote{}
	m := NewPullManager(hub, remote, &fakeResolver{addr: "nodeB:9000", nodeID: "node-b"}, zap.NewNop())
	m.idleTimeout = time.Millisecond

	g, err := m.EnsurePullStream(context.Background(), "R", "M")
	if err != nil {
		t.Fatal(err)
	}
	s := g.stream
	g.Release()
	time.Sleep(5 * time.Millisecond)

	m.sweepNow()
	if m.StreamCount() != 0 {
		t.Fatalf("idle stream not collected, count = %d", m.StreamCount())
	}
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("pull task not aborted after GC")
	}
}

func TestPullStreamNotCollectedWhileHeld(t *testing.T) {
	hub := NewHub(zap.NewNop())
	m := NewPullManager(hub, &fakeRemote{}, &fakeResolver{addr: "a", nodeID: "n"}, zap.NewNop())
	m.idleTimeout = time.Millisecond

	g, err := m.EnsurePullStream(context.Background(), "R", "M")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	m.sweepNow()
	if m.StreamCount() != 1 {
		t.Fatal("held stream was collected")
	}
	g.Release()
}

func TestEnsurePullStreamResolveFailure(t *testing.T) {
	hub := NewHub(zap.NewNop())
	m := NewPullManager(hub, &fakeRemote{}, &fakeResolver{err: synctverr.ErrNotFound}, zap.NewNop())

	_, err := m.EnsurePullStream(context.Background(), "R", "M")
	if !errors.Is(err, synctverr.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if m.StreamCount() != 0 {
		t.Fatal("failed create left state behind")
	}
}

func TestPullRelayRepublishesFrames(t *testing.T) {
	hub := NewHub(zap.NewNop())
	frames := make(chan Frame, 4)
	remote := &scriptedRemote{frames: frames}
	m := NewPullManager(hub, remote, &fakeResolver{addr: "a", nodeID: "n"}, zap.NewNop())

	g, err := m.EnsurePullStream(context.Background(), "R", "M")
	if err != nil {
		t.Fatal(err)
	}
	defer g.Release()

	// Wait for the relay to register as a hub publisher.
	deadline := time.After(time.Second)
	for !hub.IsLive(g.StreamID()) {
		select {
		case <-deadline:
			t.Fatal("relay never published locally")
		case <-time.After(time.Millisecond):
		}
	}
	sub, err := hub.Subscribe(g.StreamID(), SubscriberFLV)
	if err != nil {
		t.Fatal(err)
	}

	frames <- Frame{Kind: FrameVideo, TimestampMS: 42, Data: []byte{9}}
	select {
	case f := <-sub.C:
		if f.TimestampMS != 42 {
			t.Fatalf("frame %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("relayed frame never arrived")
	}
}

// scriptedRemote feeds caller-provided frames.
type scriptedRemote struct {
	frames chan Frame
}

func (s *scriptedRemote) Subscribe(ctx context.Context, _ string, _ StreamID) (FrameSource, error) {
	return &scriptedSource{ctx: ctx, frames: s.frames}, nil
}

type scriptedSource struct {
	ctx    context.Context
	frames chan Frame
}

func (s *scriptedSource) Recv() (Frame, error) {
	select {
	case <-s.ctx.Done():
		return Frame{}, io.EOF
	case f := <-s.frames:
		return f, nil
	}
}

func (s *scriptedSource) Close() error { return nil }
