// Package rtmp accepts RTMP ingest sessions and bridges their media into
// the stream hub: publisher registration in the cluster registry, frame
// fan-out, tracker insertion for admin kick, and teardown on disconnect.
package rtmp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	flvtag "github.com/yutopp/go-flv/tag"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/stream"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// StreamKeyValidator authorizes a publish attempt, returning the
// publishing user. token comes from the stream key's query string.
type StreamKeyValidator func(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, token string) (models.UserID, error)

// Server is the RTMP ingest endpoint.
type Server struct {
	hub      *stream.Hub
	registry stream.PublisherRegistry
	tracker  *stream.UserStreamTracker
	validate StreamKeyValidator
	nodeID   models.NodeID
	logger   *zap.Logger

	srv *rtmp.Server
}

// NewServer wires the ingest endpoint.
func NewServer(hub *stream.Hub, registry stream.PublisherRegistry, tracker *stream.UserStreamTracker, validate StreamKeyValidator, nodeID models.NodeID, logger *zap.Logger) *Server {
	s := &Server{
		hub:      hub,
		registry: registry,
		tracker:  tracker,
		validate: validate,
		nodeID:   nodeID,
		logger:   logger.With(zap.String("component", "rtmp_server")),
	}
	s.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &sessionHandler{server: s, logger: s.logger},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024 / 8,
				},
			}
		},
	})
	return s
}

// Serve accepts ingest connections until the listener closes.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("rtmp ingest listening", zap.String("addr", listener.Addr().String()))
	return s.srv.Serve(listener)
}

// Close stops the server.
func (s *Server) Close() error { return s.srv.Close() }

// sessionHandler is one publisher connection's lifecycle.
type sessionHandler struct {
	rtmp.DefaultHandler
	server *Server
	logger *zap.Logger

	app         string
	roomID      models.RoomID
	mediaID     models.MediaID
	userID      models.UserID
	pub         *stream.Publisher
	id          stream.StreamID
	stopRefresh context.CancelFunc
}

// OnConnect records the application name.
func (h *sessionHandler) OnConnect(_ uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.app = cmd.Command.App
	if h.app != stream.DefaultApp {
		h.logger.Warn("rejecting rtmp connect on unknown app", zap.String("app", h.app))
		return errors.New("unknown application")
	}
	return nil
}

// OnPublish authorizes the stream key, claims the cluster publisher slot
// and opens the local hub publisher.
func (h *sessionHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	name, token := splitStreamKey(cmd.PublishingName)
	roomID, mediaID, err := stream.ParseStreamName(name)
	if err != nil {
		return err
	}

	ctx := context.Background()
	userID := models.UserID("")
	if h.server.validate != nil {
		userID, err = h.server.validate(ctx, roomID, mediaID, token)
		if err != nil {
			h.logger.Warn("rtmp publish rejected",
				zap.String("room_id", roomID.String()),
				zap.String("media_id", mediaID.String()),
				zap.Error(err))
			return err
		}
	}

	info := models.PublisherInfo{
		RoomID:  roomID,
		MediaID: mediaID,
		NodeID:  h.server.nodeID,
		Kind:    models.PublisherKindRTMP,
	}
	if err := h.server.registry.Register(ctx, info); err != nil {
		if errors.Is(err, synctverr.ErrAlreadyExists) {
			return errors.New("stream already live")
		}
		return err
	}

	id := stream.NewStreamID(roomID, mediaID)
	pub, err := h.server.hub.Publish(id)
	if err != nil {
		_ = h.server.registry.Unregister(ctx, roomID, mediaID, h.server.nodeID)
		return err
	}

	h.roomID, h.mediaID, h.userID = roomID, mediaID, userID
	h.pub, h.id = pub, id
	h.server.tracker.Track(roomID, mediaID, userID, id)

	// Keep the cluster advertisement alive for the session's lifetime.
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	h.stopRefresh = stopRefresh
	go func() {
		ticker := time.NewTicker(stream.DefaultPublisherTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if err := h.server.registry.Refresh(refreshCtx, roomID, mediaID, h.server.nodeID); err != nil {
					h.logger.Warn("publisher TTL refresh failed", zap.Error(err))
				}
			}
		}
	}()
	h.logger.Info("rtmp publish started",
		zap.String("room_id", roomID.String()),
		zap.String("media_id", mediaID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// OnSetDataFrame forwards stream metadata.
func (h *sessionHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	if h.pub == nil {
		return nil
	}
	h.pub.WriteFrame(stream.Frame{
		Kind:        stream.FrameMetadata,
		TimestampMS: timestamp,
		Data:        data.Payload,
	})
	return nil
}

// OnAudio forwards one audio tag, flagging AAC sequence headers.
func (h *sessionHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.pub == nil {
		return nil
	}
	buf, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	frame := stream.Frame{Kind: stream.FrameAudio, TimestampMS: timestamp, Data: buf}
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(bytes.NewReader(buf), &audio); err == nil {
		frame.SequenceHeader = audio.SoundFormat == flvtag.SoundFormatAAC &&
			audio.AACPacketType == flvtag.AACPacketTypeSequenceHeader
	}
	h.pub.WriteFrame(frame)
	return nil
}

// OnVideo forwards one video tag, flagging keyframes and AVC headers.
func (h *sessionHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.pub == nil {
		return nil
	}
	buf, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	frame := stream.Frame{Kind: stream.FrameVideo, TimestampMS: timestamp, Data: buf}
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(bytes.NewReader(buf), &video); err == nil {
		frame.Keyframe = video.FrameType == flvtag.FrameTypeKeyFrame
		frame.SequenceHeader = video.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader
	}
	h.pub.WriteFrame(frame)
	return nil
}

// OnClose tears the session down: hub unpublish (dropping every local
// subscriber), cluster unregister, tracker removal.
func (h *sessionHandler) OnClose() {
	if h.pub == nil {
		return
	}
	if h.stopRefresh != nil {
		h.stopRefresh()
	}
	ctx := context.Background()
	h.server.hub.Unpublish(h.id)
	if err := h.server.registry.Unregister(ctx, h.roomID, h.mediaID, h.server.nodeID); err != nil {
		h.logger.Warn("publisher unregister failed", zap.Error(err))
	}
	h.server.tracker.Untrack(h.roomID, h.mediaID)
	h.logger.Info("rtmp publish ended",
		zap.String("room_id", h.roomID.String()),
		zap.String("media_id", h.mediaID.String()))
	h.pub = nil
}

// splitStreamKey separates "room:media?token=xyz" into name and token.
func splitStreamKey(publishingName string) (name, token string) {
	name, query, found := strings.Cut(publishingName, "?")
	if !found {
		return publishingName, ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return name, ""
	}
	return name, values.Get("token")
}
