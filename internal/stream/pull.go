package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
)

const (
	// DefaultPullIdleTimeout removes a pull stream after this long with zero
	// subscribers.
	DefaultPullIdleTimeout = 5 * time.Minute
	// DefaultPullCheckInterval paces the cleanup sweep.
	DefaultPullCheckInterval = time.Minute
)

// FrameSource yields frames from a remote feed until error or EOF.
type FrameSource interface {
	Recv() (Frame, error)
	Close() error
}

// RemoteSubscriber opens a frame feed from another node's hub.
type RemoteSubscriber interface {
	Subscribe(ctx context.Context, grpcAddr string, id StreamID) (FrameSource, error)
}

// OriginResolver locates the node advertising a publisher.
type OriginResolver interface {
	Resolve(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) (grpcAddr string, nodeID models.NodeID, err error)
}

// PullStream is one live cross-node relay. It acts as a local hub publisher
// but is never advertised in Redis: the origin node stays the registered
// publisher, this is a node-local relay only.
type PullStream struct {
	key string
	id  StreamID

	subscribers atomic.Int64
	lastActive  atomic.Int64 // unix nanos
	healthy     atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// SubscriberCount returns the current reference count.
func (s *PullStream) SubscriberCount() int64 { return s.subscribers.Load() }

func (s *PullStream) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *PullStream) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// acquire increments the reference count.
func (s *PullStream) acquire() {
	s.subscribers.Add(1)
	s.touch()
}

// release decrements with a floor at zero, tolerating a defensive double
// release.
func (s *PullStream) release() {
	for {
		cur := s.subscribers.Load()
		if cur <= 0 {
			return
		}
		if s.subscribers.CompareAndSwap(cur, cur-1) {
			s.touch()
			return
		}
	}
}

// PullGuard is a viewer's hold on a pull stream; Release when done.
type PullGuard struct {
	stream   *PullStream
	released atomic.Bool
}

// StreamID returns the local hub identifier the relay publishes under.
func (g *PullGuard) StreamID() StreamID { return g.stream.id }

// Release drops the hold. Safe to call more than once.
func (g *PullGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.stream.release()
	}
}

// PullManager lazily creates cross-node pull relays with single-flight
// creation and idle garbage collection.
type PullManager struct {
	hub      *Hub
	remote   RemoteSubscriber
	resolver OriginResolver
	logger   *zap.Logger

	idleTimeout   time.Duration
	checkInterval time.Duration

	mu      sync.Mutex
	streams map[string]*PullStream
	flights map[string]*sync.Mutex
}

// NewPullManager builds the manager with default timeouts.
func NewPullManager(hub *Hub, remote RemoteSubscriber, resolver OriginResolver, logger *zap.Logger) *PullManager {
	return &PullManager{
		hub:           hub,
		remote:        remote,
		resolver:      resolver,
		logger:        logger.With(zap.String("component", "pull_stream_manager")),
		idleTimeout:   DefaultPullIdleTimeout,
		checkInterval: DefaultPullCheckInterval,
		streams:       make(map[string]*PullStream),
		flights:       make(map[string]*sync.Mutex),
	}
}

// Configure overrides the idle and sweep timings. Call before Start.
func (m *PullManager) Configure(idleTimeout, checkInterval time.Duration) {
	if idleTimeout > 0 {
		m.idleTimeout = idleTimeout
	}
	if checkInterval > 0 {
		m.checkInterval = checkInterval
	}
}

// Start runs the idle sweep until ctx ends.
func (m *PullManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.stopAll()
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// EnsurePullStream returns a guard on the relay for (room, media), creating
// it if needed. Concurrent first viewers are single-flighted: exactly one
// pull task is created.
func (m *PullManager) EnsurePullStream(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) (*PullGuard, error) {
	key := roomID.String() + ":" + mediaID.String()

	if guard := m.tryAcquire(key); guard != nil {
		return guard, nil
	}

	flight := m.flightFor(key)
	flight.Lock()
	defer flight.Unlock()

	// Re-check after winning the flight: a concurrent caller may have
	// created the stream while we waited.
	if guard := m.tryAcquire(key); guard != nil {
		return guard, nil
	}

	grpcAddr, nodeID, err := m.resolver.Resolve(ctx, roomID, mediaID)
	if err != nil {
		return nil, fmt.Errorf("resolve publisher for %s: %w", key, err)
	}

	id := NewStreamID(roomID, mediaID)
	taskCtx, cancel := context.WithCancel(context.Background())
	s := &PullStream{key: key, id: id, cancel: cancel, done: make(chan struct{})}
	s.healthy.Store(true)
	s.touch()

	go m.runPull(taskCtx, s, grpcAddr)

	m.mu.Lock()
	m.streams[key] = s
	m.mu.Unlock()

	m.logger.Info("pull stream created",
		zap.String("key", key),
		zap.String("origin_node", nodeID.String()),
		zap.String("origin_addr", grpcAddr))

	s.acquire()
	return &PullGuard{stream: s}, nil
}

func (m *PullManager) tryAcquire(key string) *PullGuard {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok || !s.healthy.Load() {
		return nil
	}
	s.acquire()
	return &PullGuard{stream: s}
}

func (m *PullManager) flightFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flights[key]
	if !ok {
		f = &sync.Mutex{}
		m.flights[key] = f
	}
	return f
}

// runPull subscribes to the origin's feed and republishes frames locally.
func (m *PullManager) runPull(ctx context.Context, s *PullStream, grpcAddr string) {
	defer close(s.done)
	defer s.healthy.Store(false)

	source, err := m.remote.Subscribe(ctx, grpcAddr, s.id)
	if err != nil {
		m.logger.Warn("remote subscribe failed", zap.String("key", s.key), zap.Error(err))
		return
	}
	defer source.Close()

	pub, err := m.hub.Publish(s.id)
	if err != nil {
		m.logger.Warn("local publish failed", zap.String("key", s.key), zap.Error(err))
		return
	}
	defer m.hub.Unpublish(s.id)

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := source.Recv()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				m.logger.Warn("relay feed ended", zap.String("key", s.key), zap.Error(err))
			}
			return
		}
		pub.WriteFrame(frame)
	}
}

// sweep stops streams idle past the timeout with zero subscribers.
func (m *PullManager) sweep() {
	m.mu.Lock()
	var expired []*PullStream
	for key, s := range m.streams {
		if s.subscribers.Load() == 0 && s.idleFor() > m.idleTimeout {
			delete(m.streams, key)
			delete(m.flights, key)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.cancel()
		m.logger.Info("idle pull stream stopped", zap.String("key", s.key))
	}
}

func (m *PullManager) stopAll() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[string]*PullStream)
	m.flights = make(map[string]*sync.Mutex)
	m.mu.Unlock()
	for _, s := range streams {
		s.cancel()
	}
}

// StreamCount returns the number of live pull relays.
func (m *PullManager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// sweepNow is the test seam for the cleanup pass.
func (m *PullManager) sweepNow() { m.sweep() }
