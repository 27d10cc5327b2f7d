package models

import (
	"time"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomStatusActive RoomStatus = "active"
	RoomStatusHidden RoomStatus = "hidden"
	RoomStatusBanned RoomStatus = "banned"
)

// Room is a logical viewing session: members, playback state, chat.
// A room outlives any single member; soft-deleted by creator or admin.
type Room struct {
	ID             RoomID     `json:"id"`
	Name           string     `json:"name"`
	Status         RoomStatus `json:"status"`
	CreatorID      UserID     `json:"creator_id"`
	PasswordHash   string     `json:"-"`
	SettingsVersion int64     `json:"settings_version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// RequiresPassword reports whether joining needs a password.
func (r *Room) RequiresPassword() bool { return r.PasswordHash != "" }

// RoomMember is a user's membership in a room.
type RoomMember struct {
	RoomID             RoomID         `json:"room_id"`
	UserID             UserID         `json:"user_id"`
	Role               MemberRole     `json:"role"`
	PermissionsAdded   PermissionBits `json:"permissions_added"`
	PermissionsRemoved PermissionBits `json:"permissions_removed"`
	JoinedAt           time.Time      `json:"joined_at"`
}

// Media is one entry in a room's playlist.
type Media struct {
	ID        MediaID   `json:"id"`
	RoomID    RoomID    `json:"room_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Live      bool      `json:"live"`
	Position  int       `json:"position"`
	CreatorID UserID    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}
