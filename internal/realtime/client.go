package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/cluster"
	"github.com/synctv-org/synctv/internal/connections"
	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/notification"
	"github.com/synctv-org/synctv/internal/rooms"
	"github.com/synctv-org/synctv/pkg/utils"
)

const (
	// PingInterval and PongWait drive the WebSocket heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second

	writeTimeout = 10 * time.Second
	maxFrameSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin enforcement is deployment-specific; front with CORS config
	},
}

// WSMessage is the client-facing message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenValidator resolves a token to (userID, username, isGuest).
type TokenValidator func(ctx context.Context, token string, roomID models.RoomID) (models.UserID, string, bool, error)

// Deps bundles what a client session needs.
type Deps struct {
	Cluster      *cluster.Manager
	Connections  *connections.Manager
	Notification *notification.Service
	Playback     *rooms.PlaybackTracker
	Logger       *zap.Logger
}

// Client is one WebSocket session in a room.
type Client struct {
	connID   models.ConnectionID
	roomID   models.RoomID
	userID   models.UserID
	username string
	guest    bool

	deps Deps
	conn *websocket.Conn
	sub  *cluster.Subscription
}

// ServeWs upgrades the connection, registers it and runs the pumps.
func ServeWs(deps Deps, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := models.RoomID(c.Query("room_id"))
		token := c.Query("token")
		if roomID == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and token required"})
			return
		}
		userID, username, guest, err := validate(c.Request.Context(), token, roomID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		connID := models.ConnectionID(utils.NewIDWithLength(16))
		if err := deps.Connections.Register(connID, userID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		if err := deps.Connections.JoinRoom(connID, roomID); err != nil {
			deps.Connections.Unregister(connID)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}

		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			deps.Connections.Unregister(connID)
			deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			connID:   connID,
			roomID:   roomID,
			userID:   userID,
			username: username,
			guest:    guest,
			deps:     deps,
			conn:     wsConn,
		}
		client.sub = deps.Cluster.Subscribe(roomID, userID, connID)

		_ = deps.Notification.NotifyUserJoined(c.Request.Context(), roomID, userID, username, client.memberRole())

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) memberRole() models.MemberRole {
	if c.guest {
		return models.MemberRoleGuest
	}
	return models.MemberRoleMember
}

func (c *Client) readPump() {
	defer func() {
		ctx := context.Background()
		c.deps.Cluster.Unsubscribe(c.connID)
		c.deps.Connections.Unregister(c.connID)
		_ = c.deps.Notification.NotifyUserLeft(ctx, c.roomID, c.userID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		c.deps.Connections.RecordMessage(c.connID)
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg WSMessage) {
	ctx := context.Background()
	switch msg.Event {
	case "chat_message":
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Message == "" {
			return
		}
		_ = c.deps.Notification.NotifyChatMessage(ctx, c.roomID, c.userID, c.username, payload.Message)

	case "danmaku":
		var payload struct {
			Message  string   `json:"message"`
			Position *float64 `json:"position,omitempty"`
			Color    *string  `json:"color,omitempty"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Message == "" {
			return
		}
		_ = c.deps.Notification.NotifyDanmaku(ctx, c.roomID, c.userID, c.username, payload.Message, payload.Position, payload.Color)

	case "playback":
		if c.guest {
			return
		}
		var payload struct {
			Playing    *bool           `json:"playing,omitempty"`
			PositionMS *int64          `json:"position_ms,omitempty"`
			Speed      *float64        `json:"speed,omitempty"`
			MediaID    *models.MediaID `json:"media_id,omitempty"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		state := c.deps.Playback.Update(c.roomID, func(s *models.PlaybackState) {
			if payload.Playing != nil {
				s.Playing = *payload.Playing
			}
			if payload.PositionMS != nil {
				s.PositionMS = *payload.PositionMS
			}
			if payload.Speed != nil && *payload.Speed > 0 {
				s.Speed = *payload.Speed
			}
			if payload.MediaID != nil {
				s.MediaID = payload.MediaID
			}
		})
		_ = c.deps.Notification.NotifyPlaybackStateChanged(ctx, state)

	case "rtc_join":
		c.deps.Connections.MarkRTCJoined(c.roomID, c.userID, c.connID, true)
	case "rtc_leave":
		c.deps.Connections.MarkRTCJoined(c.roomID, c.userID, c.connID, false)
	default:
		// Unknown events are ignored; clients newer than the server happen.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.sub.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case e := <-c.sub.C:
			if c.guest {
				if gk, isKick := e.(*event.GuestKicked); isKick {
					payload, _ := json.Marshal(map[string]string{"reason": string(gk.Reason), "message": gk.Reason.Message()})
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = c.conn.WriteJSON(WSMessage{Event: string(event.TypeGuestKicked), Data: payload})
					return
				}
			}
			raw, err := event.Marshal(e)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
