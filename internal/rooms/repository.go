// Package rooms persists rooms and memberships and exposes the room
// service: creation behind a distributed lock, membership with effective
// permissions, and the versioned playback state.
package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// Repository handles room and membership persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a room repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roomColumns = `id, name, status, creator_id, password_hash, settings_version, created_at, updated_at, deleted_at`

// Create inserts a new room.
func (r *Repository) Create(ctx context.Context, room *models.Room) error {
	const q = `INSERT INTO rooms (id, name, status, creator_id, password_hash, settings_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, room.ID.String(), room.Name, string(room.Status), room.CreatorID.String(), room.PasswordHash).
		Scan(&room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return synctverr.ErrAlreadyExists
		}
		return fmt.Errorf("insert room: %w", err)
	}
	room.SettingsVersion = 1
	return nil
}

// GetByID returns a room, excluding soft-deleted ones.
func (r *Repository) GetByID(ctx context.Context, id models.RoomID) (*models.Room, error) {
	const q = `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1 AND deleted_at IS NULL`
	return r.scanRoom(r.pool.QueryRow(ctx, q, id.String()))
}

// SoftDelete marks a room deleted; it stops resolving via GetByID.
func (r *Repository) SoftDelete(ctx context.Context, id models.RoomID) error {
	const q = `UPDATE rooms SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, id.String())
	if err != nil {
		return fmt.Errorf("soft delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return synctverr.ErrNotFound
	}
	return nil
}

// SetStatus updates the room lifecycle status.
func (r *Repository) SetStatus(ctx context.Context, id models.RoomID, status models.RoomStatus) error {
	const q = `UPDATE rooms SET status = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, id.String(), string(status))
	if err != nil {
		return fmt.Errorf("set room status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return synctverr.ErrNotFound
	}
	return nil
}

// SetPasswordHash replaces the join password hash ("" removes it).
func (r *Repository) SetPasswordHash(ctx context.Context, id models.RoomID, hash string) error {
	const q = `UPDATE rooms SET password_hash = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, id.String(), hash)
	if err != nil {
		return fmt.Errorf("set room password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return synctverr.ErrNotFound
	}
	return nil
}

// ListByCreator returns a user's rooms.
func (r *Repository) ListByCreator(ctx context.Context, creatorID models.UserID) ([]models.Room, error) {
	const q = `SELECT ` + roomColumns + ` FROM rooms WHERE creator_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, creatorID.String())
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var list []models.Room
	for rows.Next() {
		room, err := r.scanRoom(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *room)
	}
	return list, rows.Err()
}

// AddMember upserts a membership.
func (r *Repository) AddMember(ctx context.Context, m *models.RoomMember) error {
	const q = `INSERT INTO room_members (room_id, user_id, role, permissions_added, permissions_removed, joined_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING joined_at`
	err := r.pool.QueryRow(ctx, q, m.RoomID.String(), m.UserID.String(), string(m.Role), int64(m.PermissionsAdded), int64(m.PermissionsRemoved)).
		Scan(&m.JoinedAt)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// GetMember returns one membership.
func (r *Repository) GetMember(ctx context.Context, roomID models.RoomID, userID models.UserID) (*models.RoomMember, error) {
	const q = `SELECT room_id, user_id, role, permissions_added, permissions_removed, joined_at
		FROM room_members WHERE room_id = $1 AND user_id = $2`
	var m models.RoomMember
	var rid, uid, role string
	var added, removed int64
	err := r.pool.QueryRow(ctx, q, roomID.String(), userID.String()).
		Scan(&rid, &uid, &role, &added, &removed, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, synctverr.ErrNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	m.RoomID = models.RoomID(rid)
	m.UserID = models.UserID(uid)
	m.Role = models.MemberRole(role)
	m.PermissionsAdded = models.PermissionBits(added)
	m.PermissionsRemoved = models.PermissionBits(removed)
	return &m, nil
}

// RemoveMember deletes a membership.
func (r *Repository) RemoveMember(ctx context.Context, roomID models.RoomID, userID models.UserID) error {
	const q = `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`
	tag, err := r.pool.Exec(ctx, q, roomID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return synctverr.ErrNotFound
	}
	return nil
}

// SetMemberPermissions replaces a member's permission deltas.
func (r *Repository) SetMemberPermissions(ctx context.Context, roomID models.RoomID, userID models.UserID, added, removed models.PermissionBits) error {
	const q = `UPDATE room_members SET permissions_added = $3, permissions_removed = $4
		WHERE room_id = $1 AND user_id = $2`
	tag, err := r.pool.Exec(ctx, q, roomID.String(), userID.String(), int64(added), int64(removed))
	if err != nil {
		return fmt.Errorf("set member permissions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return synctverr.ErrNotFound
	}
	return nil
}

// MemberCount returns the room's membership size.
func (r *Repository) MemberCount(ctx context.Context, roomID models.RoomID) (int, error) {
	const q = `SELECT COUNT(*) FROM room_members WHERE room_id = $1`
	var n int
	if err := r.pool.QueryRow(ctx, q, roomID.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("member count: %w", err)
	}
	return n, nil
}

func (r *Repository) scanRoom(row pgx.Row) (*models.Room, error) {
	var room models.Room
	var id, status, creator string
	err := row.Scan(&id, &room.Name, &status, &creator, &room.PasswordHash, &room.SettingsVersion, &room.CreatedAt, &room.UpdatedAt, &room.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, synctverr.ErrNotFound
		}
		return nil, fmt.Errorf("scan room: %w", err)
	}
	room.ID = models.RoomID(id)
	room.Status = models.RoomStatus(status)
	room.CreatorID = models.UserID(creator)
	return &room, nil
}
