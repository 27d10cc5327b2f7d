package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

const (
	// DefaultTargetDuration is the advertised EXT-X-TARGETDURATION and the
	// segmenter's cut interval.
	DefaultTargetDuration = 10 * time.Second
	// DefaultLiveWindow is how many segments a live playlist retains.
	DefaultLiveWindow = 6
)

// SegmentInfo is one TS segment's record. Sequence is monotonic per stream;
// CreatedAt drives idle GC.
type SegmentInfo struct {
	Sequence      uint64
	DurationMS    uint32
	TSName        string
	StorageKey    string
	Discontinuity bool
	CreatedAt     time.Time
}

// SegmentURLFunc composes the public URL for a segment name. The core never
// builds URLs itself: the caller may embed auth tokens or CDN hosts.
type SegmentURLFunc func(tsName string) string

// hlsStream is the per-(app, room, media) playlist state.
type hlsStream struct {
	id       StreamID
	roomID   models.RoomID
	mediaID  models.MediaID
	segments []SegmentInfo
	nextSeq  uint64
	isEnded  bool
	updated  time.Time
}

// storageKey builds the flat "{app}-{room}-{media}-{ts_name}" object key.
// Distinct from the registry key form; the two must never be conflated.
func storageKey(app string, roomID models.RoomID, mediaID models.MediaID, tsName string) string {
	return app + "-" + roomID.String() + "-" + mediaID.String() + "-" + tsName
}

// HLSManager owns playlist state and segment storage for live streams.
type HLSManager struct {
	storage    HlsStorage
	window     int
	targetDur  time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex
	streams map[string]*hlsStream // registry key "{app}/{room}:{media}"
}

// NewHLSManager builds the manager over a storage backend.
func NewHLSManager(storage HlsStorage, logger *zap.Logger) *HLSManager {
	return &HLSManager{
		storage:   storage,
		window:    DefaultLiveWindow,
		targetDur: DefaultTargetDuration,
		logger:    logger.With(zap.String("component", "hls_manager")),
		streams:   make(map[string]*hlsStream),
	}
}

// ConfigurePlaylist overrides the target duration and live window.
func (m *HLSManager) ConfigurePlaylist(targetDuration time.Duration, liveWindow int) {
	if targetDuration > 0 {
		m.targetDur = targetDuration
	}
	if liveWindow > 0 {
		m.window = liveWindow
	}
}

func (m *HLSManager) stream(id StreamID, create bool) *hlsStream {
	key := id.RegistryKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok && create {
		roomID, mediaID, err := ParseStreamName(id.Stream)
		if err != nil {
			return nil
		}
		s = &hlsStream{id: id, roomID: roomID, mediaID: mediaID, updated: time.Now()}
		m.streams[key] = s
	}
	return s
}

// AddSegment stores a finished segment and appends it to the playlist,
// evicting beyond the live window.
func (m *HLSManager) AddSegment(ctx context.Context, id StreamID, data []byte, duration time.Duration, discontinuity bool) (SegmentInfo, error) {
	s := m.stream(id, true)
	if s == nil {
		return SegmentInfo{}, &synctverr.InvalidInputError{Field: "stream", Reason: "malformed stream name"}
	}

	m.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	m.mu.Unlock()

	tsName := fmt.Sprintf("%d.ts", seq)
	key := storageKey(id.App, s.roomID, s.mediaID, tsName)
	if err := m.storage.Write(ctx, key, data); err != nil {
		return SegmentInfo{}, fmt.Errorf("store segment %s: %w", key, err)
	}

	info := SegmentInfo{
		Sequence:      seq,
		DurationMS:    uint32(duration.Milliseconds()),
		TSName:        tsName,
		StorageKey:    key,
		Discontinuity: discontinuity,
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	s.segments = append(s.segments, info)
	s.updated = time.Now()
	var evicted []SegmentInfo
	if len(s.segments) > m.window {
		n := len(s.segments) - m.window
		evicted = append(evicted, s.segments[:n]...)
		s.segments = append([]SegmentInfo(nil), s.segments[n:]...)
	}
	m.mu.Unlock()

	if deleter, ok := m.storage.(interface {
		Delete(context.Context, string) error
	}); ok {
		for _, old := range evicted {
			_ = deleter.Delete(ctx, old.StorageKey)
		}
	}
	return info, nil
}

// MarkEnded flags the stream finished; the playlist gains EXT-X-ENDLIST.
func (m *HLSManager) MarkEnded(id StreamID) {
	if s := m.stream(id, false); s != nil {
		m.mu.Lock()
		s.isEnded = true
		s.updated = time.Now()
		m.mu.Unlock()
	}
}

// Remove drops a stream's playlist state (after unpublish + retention).
func (m *HLSManager) Remove(id StreamID) {
	m.mu.Lock()
	delete(m.streams, id.RegistryKey())
	m.mu.Unlock()
}

// ReadSegment fetches a segment payload by ts name.
func (m *HLSManager) ReadSegment(ctx context.Context, id StreamID, tsName string) ([]byte, error) {
	s := m.stream(id, false)
	if s == nil {
		return nil, synctverr.ErrNotFound
	}
	return m.storage.Read(ctx, storageKey(id.App, s.roomID, s.mediaID, tsName))
}

// Playlist renders the M3U8 manifest. A stream with no segments yet yields
// a well-formed header-only manifest; EXT-X-ENDLIST appears only when the
// stream has ended.
func (m *HLSManager) Playlist(id StreamID, segmentURL SegmentURLFunc) (string, error) {
	s := m.stream(id, false)
	if s == nil {
		return "", synctverr.ErrNotFound
	}

	m.mu.RLock()
	segments := append([]SegmentInfo(nil), s.segments...)
	ended := s.isEnded
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(m.targetDur.Seconds()))
	firstSeq := uint64(0)
	if len(segments) > 0 {
		firstSeq = segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq)
	for _, seg := range segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", float64(seg.DurationMS)/1000)
		b.WriteString(segmentURL(seg.TSName))
		b.WriteByte('\n')
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String(), nil
}

// CleanupIdle drops stream state not updated within maxAge and asks the
// storage backend to expire old objects.
func (m *HLSManager) CleanupIdle(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	removed := 0
	for key, s := range m.streams {
		if s.updated.Before(cutoff) {
			delete(m.streams, key)
			removed++
		}
	}
	m.mu.Unlock()
	if deleted, err := m.storage.Cleanup(ctx, maxAge); err == nil && deleted > 0 {
		m.logger.Debug("expired hls segments", zap.Int("deleted", deleted))
	}
	return removed
}

// Remuxer consumes a publisher's frames and cuts TS segments on keyframe
// boundaries at the target duration. Packaging frames into actual MPEG-TS
// is delegated to the packager.
type Remuxer struct {
	manager  *HLSManager
	packager SegmentPackager
	logger   *zap.Logger
}

// SegmentPackager turns a run of frames into one TS payload.
type SegmentPackager interface {
	PackSegment(frames []Frame) ([]byte, error)
}

// NewRemuxer builds a remuxer over the manager.
func NewRemuxer(manager *HLSManager, packager SegmentPackager, logger *zap.Logger) *Remuxer {
	return &Remuxer{manager: manager, packager: packager, logger: logger.With(zap.String("component", "hls_remuxer"))}
}

// Run consumes the subscription until it closes, then marks the stream
// ended. Blocks; run on its own goroutine.
func (r *Remuxer) Run(ctx context.Context, id StreamID, sub *Subscription) {
	var (
		pending    []Frame
		segStartMS uint32
		started    bool
	)
	flush := func(discontinuity bool, endMS uint32) {
		if len(pending) == 0 {
			return
		}
		payload, err := r.packager.PackSegment(pending)
		if err != nil {
			r.logger.Warn("segment packaging failed", zap.Error(err))
			pending = pending[:0]
			return
		}
		dur := time.Duration(endMS-segStartMS) * time.Millisecond
		if dur <= 0 {
			dur = r.manager.targetDur
		}
		if _, err := r.manager.AddSegment(ctx, id, payload, dur, discontinuity); err != nil {
			r.logger.Warn("segment store failed", zap.Error(err))
		}
		pending = pending[:0]
	}

	consume := func(f Frame) {
		if !started {
			segStartMS = f.TimestampMS
			started = true
		}
		cutDue := time.Duration(f.TimestampMS-segStartMS)*time.Millisecond >= r.manager.targetDur
		if f.Kind == FrameVideo && f.Keyframe && cutDue && len(pending) > 0 {
			flush(false, f.TimestampMS)
			segStartMS = f.TimestampMS
		}
		pending = append(pending, f)
	}

	for {
		select {
		case <-ctx.Done():
			r.manager.MarkEnded(id)
			return
		case <-sub.Done():
			// Publisher gone: drain what is still buffered, then finish.
			for {
				select {
				case f := <-sub.C:
					consume(f)
					continue
				default:
				}
				break
			}
			flush(false, segStartMS+uint32(r.manager.targetDur.Milliseconds()))
			r.manager.MarkEnded(id)
			return
		case f := <-sub.C:
			consume(f)
		}
	}
}

// PassthroughPackager concatenates frame payloads; stands in where the
// ingest already produces TS-aligned data.
type PassthroughPackager struct{}

// PackSegment implements SegmentPackager.
func (PassthroughPackager) PackSegment(frames []Frame) ([]byte, error) {
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out, nil
}
