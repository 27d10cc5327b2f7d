package stream

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/synctverr"
)

// SubscriberKind records what a subscription feeds; diagnostic only.
type SubscriberKind string

const (
	SubscriberHLS       SubscriberKind = "hls"
	SubscriberFLV       SubscriberKind = "flv"
	SubscriberGRPCRelay SubscriberKind = "grpc_relay"
	SubscriberRecorder  SubscriberKind = "recorder"
)

// subscriberBuffer bounds each subscription's frame channel. A slow
// subscriber drops its oldest frame; the publisher never blocks.
const subscriberBuffer = 512

// Subscription is one frame sink attached to a publisher.
type Subscription struct {
	ID   uint64
	Kind SubscriberKind
	C    <-chan Frame

	// ch is never closed: frame writers push after releasing the publisher
	// lock, and a send on a closed channel panics even inside a select.
	// Teardown (unpublish, unsubscribe) is signalled on done; consumers
	// select on Done alongside C.
	ch     chan Frame
	done   chan struct{}
	closed atomic.Bool
}

// Done fires when the subscription is detached or its publisher goes away.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) push(f Frame) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- f:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- f:
		default:
		}
	}
}

func (s *Subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Publisher is the write side of one published stream.
type Publisher struct {
	id  StreamID
	hub *Hub

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	headers []Frame // sequence headers + last metadata, replayed to joiners
	gone    bool
}

// ID returns the publisher's stream identifier.
func (p *Publisher) ID() StreamID { return p.id }

// WriteFrame fans a frame out to every subscriber. Sequence headers and
// metadata are retained and replayed to late subscribers.
func (p *Publisher) WriteFrame(f Frame) {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return
	}
	if f.SequenceHeader || f.Kind == FrameMetadata {
		p.retainHeaderLocked(f)
	}
	targets := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		targets = append(targets, s)
	}
	p.mu.Unlock()

	for _, s := range targets {
		s.push(f)
	}
}

func (p *Publisher) retainHeaderLocked(f Frame) {
	// One retained frame per (kind, header) slot: new configs replace old.
	for i, h := range p.headers {
		if h.Kind == f.Kind {
			p.headers[i] = f
			return
		}
	}
	p.headers = append(p.headers, f)
}

// SubscriberCount returns how many sinks are attached.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Hub routes frames from publishers to subscribers. At most one publisher
// may hold each StreamID.
type Hub struct {
	mu         sync.RWMutex
	publishers map[StreamID]*Publisher
	nextSubID  atomic.Uint64
	logger     *zap.Logger

	onPublish   func(StreamID)
	onUnpublish func(StreamID)
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		publishers: make(map[StreamID]*Publisher),
		logger:     logger.With(zap.String("component", "stream_hub")),
	}
}

// SetHooks installs publish/unpublish observers (tracker, registry glue).
// Must be called before publishers arrive.
func (h *Hub) SetHooks(onPublish, onUnpublish func(StreamID)) {
	h.onPublish = onPublish
	h.onUnpublish = onUnpublish
}

// Publish registers a publisher for id. A second publisher for the same id
// is rejected with ErrAlreadyExists.
func (h *Hub) Publish(id StreamID) (*Publisher, error) {
	h.mu.Lock()
	if _, taken := h.publishers[id]; taken {
		h.mu.Unlock()
		return nil, synctverr.ErrAlreadyExists
	}
	p := &Publisher{id: id, hub: h, subs: make(map[uint64]*Subscription)}
	h.publishers[id] = p
	h.mu.Unlock()

	h.logger.Info("stream published", zap.String("app", id.App), zap.String("stream", id.Stream))
	if h.onPublish != nil {
		h.onPublish(id)
	}
	return p, nil
}

// Unpublish tears the publisher down and signals every subscription's Done
// channel (frame channels stay open). This is how admin kick reaches FLV
// and relay clients.
func (h *Hub) Unpublish(id StreamID) bool {
	h.mu.Lock()
	p, ok := h.publishers[id]
	if ok {
		delete(h.publishers, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	p.gone = true
	subs := p.subs
	p.subs = make(map[uint64]*Subscription)
	p.mu.Unlock()
	for _, s := range subs {
		s.close()
	}

	h.logger.Info("stream unpublished", zap.String("app", id.App), zap.String("stream", id.Stream))
	if h.onUnpublish != nil {
		h.onUnpublish(id)
	}
	return true
}

// Subscribe attaches a frame sink to a live publisher. Retained sequence
// headers are delivered first. Returns ErrNotFound when nothing publishes id.
func (h *Hub) Subscribe(id StreamID, kind SubscriberKind) (*Subscription, error) {
	h.mu.RLock()
	p, ok := h.publishers[id]
	h.mu.RUnlock()
	if !ok {
		return nil, synctverr.ErrNotFound
	}

	sub := &Subscription{
		ID:   h.nextSubID.Add(1),
		Kind: kind,
		ch:   make(chan Frame, subscriberBuffer),
		done: make(chan struct{}),
	}
	sub.C = sub.ch

	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return nil, synctverr.ErrNotFound
	}
	for _, header := range p.headers {
		sub.ch <- header
	}
	p.subs[sub.ID] = sub
	p.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches a sink and signals its Done channel; the frame
// channel is not closed.
func (h *Hub) Unsubscribe(id StreamID, subID uint64) {
	h.mu.RLock()
	p, ok := h.publishers[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	sub, ok := p.subs[subID]
	if ok {
		delete(p.subs, subID)
	}
	p.mu.Unlock()
	if ok {
		sub.close()
	}
}

// IsLive reports whether id currently has a publisher.
func (h *Hub) IsLive(id StreamID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.publishers[id]
	return ok
}

// Publishers lists the live stream ids.
func (h *Hub) Publishers() []StreamID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StreamID, 0, len(h.publishers))
	for id := range h.publishers {
		out = append(out, id)
	}
	return out
}
