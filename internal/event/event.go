// Package event defines the cluster event taxonomy and its stable JSON
// wire form. The same encoding is used for the Redis pub/sub payload and
// for any external consumer of room events.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/synctv-org/synctv/internal/models"
)

// Type discriminates cluster event variants on the wire.
type Type string

const (
	TypeChatMessage          Type = "chat_message"
	TypeDanmaku              Type = "danmaku"
	TypePlaybackStateChanged Type = "playback_state_changed"
	TypeMemberJoined         Type = "member_joined"
	TypeMemberLeft           Type = "member_left"
	TypeMemberKicked         Type = "member_kicked"
	TypePermissionChanged    Type = "permission_changed"
	TypeMediaAdded           Type = "media_added"
	TypeMediaRemoved         Type = "media_removed"
	TypePlaylistReordered    Type = "playlist_reordered"
	TypeSettingsUpdated      Type = "settings_updated"
	TypeKickPublisher        Type = "kick_publisher"
	TypeRoomDeleted          Type = "room_deleted"
	TypeGuestKicked          Type = "guest_kicked"
)

// Event is one cluster event. Every variant carries its room id.
type Event interface {
	EventType() Type
	Room() models.RoomID
}

// ChatMessage is a chat line sent by a member.
type ChatMessage struct {
	RoomID    models.RoomID `json:"room_id"`
	UserID    models.UserID `json:"user_id"`
	Username  string        `json:"username"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *ChatMessage) EventType() Type      { return TypeChatMessage }
func (e *ChatMessage) Room() models.RoomID  { return e.RoomID }

// Danmaku is an on-screen scrolling comment: chat with position metadata.
type Danmaku struct {
	RoomID    models.RoomID `json:"room_id"`
	UserID    models.UserID `json:"user_id"`
	Username  string        `json:"username"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Position  *float64      `json:"position,omitempty"`
	Color     *string       `json:"color,omitempty"`
}

func (e *Danmaku) EventType() Type     { return TypeDanmaku }
func (e *Danmaku) Room() models.RoomID { return e.RoomID }

// PlaybackStateChanged carries the room's shared playback state. Version is
// monotonic; consumers drop stale updates.
type PlaybackStateChanged struct {
	RoomID     models.RoomID   `json:"room_id"`
	Playing    bool            `json:"playing"`
	PositionMS int64           `json:"position_ms"`
	Speed      float64         `json:"speed"`
	MediaID    *models.MediaID `json:"media_id,omitempty"`
	Version    int64           `json:"version"`
}

func (e *PlaybackStateChanged) EventType() Type     { return TypePlaybackStateChanged }
func (e *PlaybackStateChanged) Room() models.RoomID { return e.RoomID }

// MemberJoined announces a member entering a room.
type MemberJoined struct {
	RoomID   models.RoomID     `json:"room_id"`
	UserID   models.UserID     `json:"user_id"`
	Username string            `json:"username"`
	Role     models.MemberRole `json:"role"`
}

func (e *MemberJoined) EventType() Type     { return TypeMemberJoined }
func (e *MemberJoined) Room() models.RoomID { return e.RoomID }

// MemberLeft announces a member leaving a room.
type MemberLeft struct {
	RoomID models.RoomID `json:"room_id"`
	UserID models.UserID `json:"user_id"`
}

func (e *MemberLeft) EventType() Type     { return TypeMemberLeft }
func (e *MemberLeft) Room() models.RoomID { return e.RoomID }

// MemberKicked announces a member being removed by an admin.
type MemberKicked struct {
	RoomID   models.RoomID `json:"room_id"`
	UserID   models.UserID `json:"user_id"`
	KickedBy models.UserID `json:"kicked_by"`
	Reason   string        `json:"reason,omitempty"`
}

func (e *MemberKicked) EventType() Type     { return TypeMemberKicked }
func (e *MemberKicked) Room() models.RoomID { return e.RoomID }

// PermissionChanged announces a member's permission mask change.
type PermissionChanged struct {
	RoomID      models.RoomID         `json:"room_id"`
	UserID      models.UserID         `json:"user_id"`
	Role        models.MemberRole     `json:"role"`
	Permissions models.PermissionBits `json:"permissions"`
}

func (e *PermissionChanged) EventType() Type     { return TypePermissionChanged }
func (e *PermissionChanged) Room() models.RoomID { return e.RoomID }

// MediaAdded announces a playlist addition.
type MediaAdded struct {
	RoomID  models.RoomID  `json:"room_id"`
	MediaID models.MediaID `json:"media_id"`
	Name    string         `json:"name"`
	AddedBy models.UserID  `json:"added_by"`
}

func (e *MediaAdded) EventType() Type     { return TypeMediaAdded }
func (e *MediaAdded) Room() models.RoomID { return e.RoomID }

// MediaRemoved announces a playlist removal.
type MediaRemoved struct {
	RoomID  models.RoomID  `json:"room_id"`
	MediaID models.MediaID `json:"media_id"`
}

func (e *MediaRemoved) EventType() Type     { return TypeMediaRemoved }
func (e *MediaRemoved) Room() models.RoomID { return e.RoomID }

// PlaylistReordered announces a new playlist order.
type PlaylistReordered struct {
	RoomID models.RoomID    `json:"room_id"`
	Order  []models.MediaID `json:"order"`
}

func (e *PlaylistReordered) EventType() Type     { return TypePlaylistReordered }
func (e *PlaylistReordered) Room() models.RoomID { return e.RoomID }

// SettingsUpdated announces a new settings version with a full snapshot.
type SettingsUpdated struct {
	RoomID   models.RoomID       `json:"room_id"`
	Version  int64               `json:"version"`
	Snapshot models.RoomSettings `json:"snapshot"`
}

func (e *SettingsUpdated) EventType() Type     { return TypeSettingsUpdated }
func (e *SettingsUpdated) Room() models.RoomID { return e.RoomID }

// KickPublisher tells every node to drop the live publisher of (room, media).
// Delivered via the admin pathway: local hub unpublish plus this cluster
// event, so relay viewers on other nodes disconnect too.
type KickPublisher struct {
	RoomID  models.RoomID  `json:"room_id"`
	MediaID models.MediaID `json:"media_id"`
}

func (e *KickPublisher) EventType() Type     { return TypeKickPublisher }
func (e *KickPublisher) Room() models.RoomID { return e.RoomID }

// RoomDeleted announces the room was soft-deleted.
type RoomDeleted struct {
	RoomID models.RoomID `json:"room_id"`
}

func (e *RoomDeleted) EventType() Type     { return TypeRoomDeleted }
func (e *RoomDeleted) Room() models.RoomID { return e.RoomID }

// GuestKicked tells guests in a room they are being disconnected.
type GuestKicked struct {
	RoomID models.RoomID   `json:"room_id"`
	Reason GuestKickReason `json:"reason"`
}

func (e *GuestKicked) EventType() Type     { return TypeGuestKicked }
func (e *GuestKicked) Room() models.RoomID { return e.RoomID }

// GuestKickReason enumerates why guests were kicked, with deterministic
// human-readable messages.
type GuestKickReason string

const (
	GuestKickGlobalDisabled GuestKickReason = "global_guest_mode_disabled"
	GuestKickRoomDisabled   GuestKickReason = "room_guest_mode_disabled"
	GuestKickPasswordAdded  GuestKickReason = "room_password_added"
	GuestKickAdmin          GuestKickReason = "admin_kick"
)

// Message returns the human-readable message for the reason.
func (r GuestKickReason) Message() string {
	switch r {
	case GuestKickGlobalDisabled:
		return "Guest access has been disabled on this server"
	case GuestKickRoomDisabled:
		return "Guest access has been disabled for this room"
	case GuestKickPasswordAdded:
		return "This room now requires a password"
	case GuestKickAdmin:
		return "You have been removed by an administrator"
	default:
		return "You have been disconnected"
	}
}

// wireEvent is the type/data wire shape shared by Marshal and Unmarshal.
type wireEvent struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes an event as {"type": ..., "data": {...}}.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return json.Marshal(wireEvent{Type: e.EventType(), Data: data})
}

// Unmarshal decodes the {"type", "data"} wire form back into a typed event.
func Unmarshal(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	e, err := newEvent(w.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(w.Data, e); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", w.Type, err)
	}
	return e, nil
}

func newEvent(t Type) (Event, error) {
	switch t {
	case TypeChatMessage:
		return &ChatMessage{}, nil
	case TypeDanmaku:
		return &Danmaku{}, nil
	case TypePlaybackStateChanged:
		return &PlaybackStateChanged{}, nil
	case TypeMemberJoined:
		return &MemberJoined{}, nil
	case TypeMemberLeft:
		return &MemberLeft{}, nil
	case TypeMemberKicked:
		return &MemberKicked{}, nil
	case TypePermissionChanged:
		return &PermissionChanged{}, nil
	case TypeMediaAdded:
		return &MediaAdded{}, nil
	case TypeMediaRemoved:
		return &MediaRemoved{}, nil
	case TypePlaylistReordered:
		return &PlaylistReordered{}, nil
	case TypeSettingsUpdated:
		return &SettingsUpdated{}, nil
	case TypeKickPublisher:
		return &KickPublisher{}, nil
	case TypeRoomDeleted:
		return &RoomDeleted{}, nil
	case TypeGuestKicked:
		return &GuestKicked{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
