package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/flv"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/response"
)

// LiveAPI serves the HTTP surface of the live pipeline: HLS playlists and
// segments, HTTP-FLV egress, and the lazy pull entry point for streams
// published on other nodes.
type LiveAPI struct {
	hub      *Hub
	hls      *HLSManager
	remux    *Remuxer
	pull     *PullManager
	external *ExternalPublishManager
	registry PublisherRegistry
	logger   *zap.Logger

	// lifecycle context for remux tasks spawned from hub hooks
	ctx context.Context
}

// NewLiveAPI wires the live surface. Call InstallHooks before streaming
// begins so every publisher gets an HLS remux task.
func NewLiveAPI(ctx context.Context, hub *Hub, hls *HLSManager, remux *Remuxer, pull *PullManager, external *ExternalPublishManager, registry PublisherRegistry, logger *zap.Logger) *LiveAPI {
	return &LiveAPI{
		hub:      hub,
		hls:      hls,
		remux:    remux,
		pull:     pull,
		external: external,
		registry: registry,
		logger:   logger.With(zap.String("component", "live_api")),
		ctx:      ctx,
	}
}

// InstallHooks attaches HLS remuxing to every publisher's lifecycle.
// extraPublish/extraUnpublish let the caller chain its own observers.
func (a *LiveAPI) InstallHooks(extraPublish, extraUnpublish func(StreamID)) {
	a.hub.SetHooks(
		func(id StreamID) {
			sub, err := a.hub.Subscribe(id, SubscriberHLS)
			if err == nil {
				go a.remux.Run(a.ctx, id, sub)
			}
			if extraPublish != nil {
				extraPublish(id)
			}
		},
		func(id StreamID) {
			a.hls.MarkEnded(id)
			if extraUnpublish != nil {
				extraUnpublish(id)
			}
		},
	)
}

// Register mounts the live routes on a router group.
func (a *LiveAPI) Register(g *gin.RouterGroup) {
	g.GET("/hls/:room/:media/index.m3u8", a.handlePlaylist)
	g.GET("/hls/:room/:media/:segment", a.handleSegment)
	g.GET("/flv/:room/:media", a.handleFLV)
	g.POST("/external/:room/:media", a.handleExternal)
}

// handleExternal mirrors a foreign RTMP/HTTP-FLV source into the cluster
// as this (room, media)'s publisher.
func (a *LiveAPI) handleExternal(c *gin.Context) {
	if a.external == nil {
		response.ServiceUnavailable(c, "external pull disabled")
		return
	}
	roomID := models.RoomID(c.Param("room"))
	mediaID := models.MediaID(c.Param("media"))
	var req struct {
		SourceURL string `json:"source_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "source_url required")
		return
	}
	guard, err := a.external.GetOrCreate(c.Request.Context(), roomID, mediaID, req.SourceURL)
	if err != nil {
		if errors.Is(err, synctverr.ErrAlreadyExists) {
			response.Conflict(c, "a publisher already exists for this media")
			return
		}
		a.logger.Warn("external pull failed", zap.Error(err))
		response.Internal(c, "could not start external pull")
		return
	}
	// The viewer-facing endpoints hold their own guards; this entry point
	// only bootstraps the pull.
	guard.Release()
	response.OK(c, gin.H{"stream": guard.StreamID().RegistryKey()})
}

// ensureLocal makes the stream available on this node, pulling from the
// origin node when the publisher is remote. The returned release func is
// non-nil when a pull guard is held.
func (a *LiveAPI) ensureLocal(ctx context.Context, roomID models.RoomID, mediaID models.MediaID) (StreamID, func(), error) {
	id := NewStreamID(roomID, mediaID)
	if a.hub.IsLive(id) {
		return id, nil, nil
	}
	if a.pull == nil {
		return id, nil, synctverr.ErrNotFound
	}
	guard, err := a.pull.EnsurePullStream(ctx, roomID, mediaID)
	if err != nil {
		return id, nil, err
	}
	return guard.StreamID(), guard.Release, nil
}

func (a *LiveAPI) handlePlaylist(c *gin.Context) {
	roomID := models.RoomID(c.Param("room"))
	mediaID := models.MediaID(c.Param("media"))

	id, release, err := a.ensureLocal(c.Request.Context(), roomID, mediaID)
	if err != nil && !errors.Is(err, synctverr.ErrNotFound) {
		response.Internal(c, "stream unavailable")
		return
	}
	if release != nil {
		defer release()
	}

	base := c.Request.URL.Path
	base = base[:len(base)-len("index.m3u8")]
	playlist, err := a.hls.Playlist(id, func(tsName string) string { return base + tsName })
	if err != nil {
		response.NotFound(c, "no such stream")
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(playlist))
}

func (a *LiveAPI) handleSegment(c *gin.Context) {
	roomID := models.RoomID(c.Param("room"))
	mediaID := models.MediaID(c.Param("media"))
	segment := c.Param("segment")

	data, err := a.hls.ReadSegment(c.Request.Context(), NewStreamID(roomID, mediaID), segment)
	if err != nil {
		response.NotFound(c, "no such segment")
		return
	}
	c.Header("Cache-Control", "max-age=86400")
	c.Data(http.StatusOK, "video/mp2t", data)
}

// handleFLV streams FLV tags until the client leaves or the publisher is
// torn down. The subscription's Done channel firing ends the loop; that is
// the admin kick pathway for FLV viewers.
func (a *LiveAPI) handleFLV(c *gin.Context) {
	roomID := models.RoomID(c.Param("room"))
	mediaID := models.MediaID(c.Param("media"))

	id, release, err := a.ensureLocal(c.Request.Context(), roomID, mediaID)
	if err != nil {
		response.NotFound(c, "stream offline")
		return
	}
	if release != nil {
		defer release()
	}

	sub, err := a.hub.Subscribe(id, SubscriberFLV)
	if err != nil {
		response.NotFound(c, "stream offline")
		return
	}
	defer a.hub.Unsubscribe(id, sub.ID)

	c.Header("Content-Type", "video/x-flv")
	c.Header("Transfer-Encoding", "chunked")
	c.Status(http.StatusOK)

	w := flv.NewWriter(c.Writer, true, true)
	flusher, _ := c.Writer.(http.Flusher)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case f := <-sub.C:
			var tagType byte
			switch f.Kind {
			case FrameAudio:
				tagType = flv.TagAudio
			case FrameVideo:
				tagType = flv.TagVideo
			case FrameMetadata:
				tagType = flv.TagScript
			default:
				continue
			}
			if err := w.WriteTag(tagType, f.TimestampMS, f.Data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
