package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

const (
	// DefaultExternalIdleTimeout removes an external pull after this long
	// with zero subscribers.
	DefaultExternalIdleTimeout = 5 * time.Minute
	// DefaultExternalCheckInterval paces the cleanup sweep.
	DefaultExternalCheckInterval = time.Minute
)

// FrameSink receives pulled frames.
type FrameSink interface {
	WriteFrame(Frame)
}

// SourcePuller fetches a foreign RTMP/HTTP-FLV source and pushes its frames
// into the sink until ctx ends or the source closes.
type SourcePuller interface {
	Pull(ctx context.Context, sourceURL string, sink FrameSink) error
}

// ExternalStream is one lazily created pull from a foreign source. Unlike a
// cross-node relay it IS the cluster publisher for its (room, media): it is
// advertised in Redis and other nodes route viewers here.
type ExternalStream struct {
	key       string
	id        StreamID
	roomID    models.RoomID
	mediaID   models.MediaID
	sourceURL string

	subscribers atomic.Int64
	lastActive  atomic.Int64
	healthy     atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// SubscriberCount returns the current reference count.
func (s *ExternalStream) SubscriberCount() int64 { return s.subscribers.Load() }

func (s *ExternalStream) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *ExternalStream) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *ExternalStream) acquire() {
	s.subscribers.Add(1)
	s.touch()
}

func (s *ExternalStream) release() {
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

// ExternalGuard is a viewer's hold on an external stream.
type ExternalGuard struct {
	stream   *ExternalStream
	released atomic.Bool
}

// StreamID returns the hub identifier the pull publishes under.
func (g *ExternalGuard) StreamID() StreamID { return g.stream.id }

// Release drops the hold. Safe to call more than once.
func (g *ExternalGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.stream.release()
	}
}

// ExternalPublishManager lazily pulls foreign sources and publishes them to
// the cluster: local hub publisher plus Redis advertisement.
type ExternalPublishManager struct {
	hub      *Hub
	registry PublisherRegistry
	puller   SourcePuller
	nodeID   models.NodeID
	logger   *zap.Logger

	idleTimeout   time.Duration
	checkInterval time.Duration

	mu      sync.Mutex
	streams map[string]*ExternalStream
	flights map[string]*sync.Mutex
}

// NewExternalPublishManager builds the manager.
func NewExternalPublishManager(hub *Hub, registry PublisherRegistry, puller SourcePuller, nodeID models.NodeID, logger *zap.Logger) *ExternalPublishManager {
	return &ExternalPublishManager{
		hub:           hub,
		registry:      registry,
		puller:        puller,
		nodeID:        nodeID,
		logger:        logger.With(zap.String("component", "external_publish_manager")),
		idleTimeout:   DefaultExternalIdleTimeout,
		checkInterval: DefaultExternalCheckInterval,
		streams:       make(map[string]*ExternalStream),
		flights:       make(map[string]*sync.Mutex),
	}
}

// Configure overrides the idle and sweep timings. Call before Start.
func (m *ExternalPublishManager) Configure(idleTimeout, checkInterval time.Duration) {
	if idleTimeout > 0 {
		m.idleTimeout = idleTimeout
	}
	if checkInterval > 0 {
		m.checkInterval = checkInterval
	}
}

// Start runs the idle sweep and TTL refresh until ctx ends.
func (m *ExternalPublishManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.stopAll()
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// GetOrCreate returns a guard on the external pull for (room, media),
// creating puller, hub publisher and Redis advertisement as needed.
//
// Ordering on create: the local puller starts first, then the Redis SET NX.
// When registration loses (another node already publishes the media), the
// local task is aborted and rolled back before returning
// ErrAlreadyExists, so no orphan task or count survives.
func (m *ExternalPublishManager) GetOrCreate(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, sourceURL string) (*ExternalGuard, error) {
	if sourceURL == "" {
		return nil, &synctverr.InvalidInputError{Field: "source_url", Reason: "empty"}
	}
	key := roomID.String() + ":" + mediaID.String()

	if guard := m.tryAcquire(key); guard != nil {
		return guard, nil
	}

	flight := m.flightFor(key)
	flight.Lock()
	defer flight.Unlock()

	if guard := m.tryAcquire(key); guard != nil {
		return guard, nil
	}

	id := NewStreamID(roomID, mediaID)
	taskCtx, cancel := context.WithCancel(context.Background())
	s := &ExternalStream{
		key:       key,
		id:        id,
		roomID:    roomID,
		mediaID:   mediaID,
		sourceURL: sourceURL,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.healthy.Store(true)
	s.touch()

	go m.runPull(taskCtx, s)

	info := models.PublisherInfo{
		RoomID:  roomID,
		MediaID: mediaID,
		NodeID:  m.nodeID,
		Kind:    models.PublisherKindExternalPuller,
	}
	if err := m.registry.Register(ctx, info); err != nil {
		// Lost the cluster slot: abort the local pipeline before surfacing.
		cancel()
		<-s.done
		if errors.Is(err, synctverr.ErrAlreadyExists) {
			m.logger.Info("external publish lost registration race", zap.String("key", key))
			return nil, synctverr.ErrAlreadyExists
		}
		return nil, fmt.Errorf("register external publisher %s: %w", key, err)
	}

	m.mu.Lock()
	m.streams[key] = s
	m.mu.Unlock()

	m.logger.Info("external publish stream created",
		zap.String("key", key),
		zap.String("source_url", sourceURL))

	s.acquire()
	return &ExternalGuard{stream: s}, nil
}

func (m *ExternalPublishManager) tryAcquire(key string) *ExternalGuard {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok || !s.healthy.Load() {
		return nil
	}
	s.acquire()
	return &ExternalGuard{stream: s}
}

func (m *ExternalPublishManager) flightFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flights[key]
	if !ok {
		f = &sync.Mutex{}
		m.flights[key] = f
	}
	return f
}

func (m *ExternalPublishManager) runPull(ctx context.Context, s *ExternalStream) {
	defer close(s.done)
	defer s.healthy.Store(false)

	pub, err := m.hub.Publish(s.id)
	if err != nil {
		m.logger.Warn("local publish failed", zap.String("key", s.key), zap.Error(err))
		return
	}
	defer m.hub.Unpublish(s.id)

	if err := m.puller.Pull(ctx, s.sourceURL, pub); err != nil && ctx.Err() == nil {
		m.logger.Warn("external pull ended", zap.String("key", s.key), zap.Error(err))
	}
}

// sweep garbage-collects idle streams. The Redis entry is removed first,
// gated on node ownership inside the registry, so other nodes stop routing
// viewers here before the local pipeline tears down.
func (m *ExternalPublishManager) sweep(ctx context.Context) {
	m.mu.Lock()
	var expired []*ExternalStream
	var live []*ExternalStream
	for key, s := range m.streams {
		if s.subscribers.Load() == 0 && s.idleFor() > m.idleTimeout {
			delete(m.streams, key)
			delete(m.flights, key)
			expired = append(expired, s)
		} else {
			live = append(live, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := m.registry.Unregister(ctx, s.roomID, s.mediaID, m.nodeID); err != nil {
			m.logger.Warn("unregister external publisher failed", zap.String("key", s.key), zap.Error(err))
		}
		s.cancel()
		m.logger.Info("idle external stream stopped", zap.String("key", s.key))
	}
	for _, s := range live {
		if err := m.registry.Refresh(ctx, s.roomID, s.mediaID, m.nodeID); err != nil {
			m.logger.Debug("publisher TTL refresh failed", zap.String("key", s.key), zap.Error(err))
		}
	}
}

func (m *ExternalPublishManager) stopAll() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[string]*ExternalStream)
	m.flights = make(map[string]*sync.Mutex)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range streams {
		// Same ordering as the sweep: advertisement gone before teardown.
		_ = m.registry.Unregister(ctx, s.roomID, s.mediaID, m.nodeID)
		s.cancel()
	}
}

// StreamCount returns the number of live external pulls.
func (m *ExternalPublishManager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// sweepNow is the test seam for the cleanup pass.
func (m *ExternalPublishManager) sweepNow(ctx context.Context) { m.sweep(ctx) }
