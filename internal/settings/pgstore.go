package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// PGStore persists room settings as a JSONB document with a version column
// used as the optimistic-lock token.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the PostgreSQL-backed settings store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Load implements Store.
func (s *PGStore) Load(ctx context.Context, roomID models.RoomID) (models.RoomSettings, error) {
	const q = `SELECT settings, version FROM room_settings WHERE room_id = $1`
	var (
		raw     []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, q, roomID.String()).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RoomSettings{}, synctverr.ErrNotFound
		}
		return models.RoomSettings{}, fmt.Errorf("load settings: %w", err)
	}
	var settings models.RoomSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return models.RoomSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	settings.RoomID = roomID
	settings.Version = version
	return settings, nil
}

// Save implements Store: the UPDATE is guarded by the version column, so a
// concurrent writer makes the row count zero and we report a conflict.
func (s *PGStore) Save(ctx context.Context, roomID models.RoomID, settings models.RoomSettings, expectedVersion int64) (int64, error) {
	settings.RoomID = roomID
	raw, err := json.Marshal(settings)
	if err != nil {
		return 0, fmt.Errorf("encode settings: %w", err)
	}

	const q = `UPDATE room_settings SET settings = $2, version = version + 1, updated_at = NOW()
		WHERE room_id = $1 AND version = $3
		RETURNING version`
	var newVersion int64
	err = s.pool.QueryRow(ctx, q, roomID.String(), raw, expectedVersion).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("save settings: %w", err)
	}

	// No row matched: either the room has no settings yet, or the version moved.
	const exists = `SELECT EXISTS (SELECT 1 FROM room_settings WHERE room_id = $1)`
	var present bool
	if err := s.pool.QueryRow(ctx, exists, roomID.String()).Scan(&present); err != nil {
		return 0, fmt.Errorf("check settings row: %w", err)
	}
	if present {
		return 0, synctverr.ErrOptimisticLockConflict
	}
	const insert = `INSERT INTO room_settings (room_id, settings, version, created_at, updated_at)
		VALUES ($1, $2, 1, NOW(), NOW())
		ON CONFLICT (room_id) DO NOTHING
		RETURNING version`
	err = s.pool.QueryRow(ctx, insert, roomID.String(), raw).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the insert race.
			return 0, synctverr.ErrOptimisticLockConflict
		}
		return 0, fmt.Errorf("insert settings: %w", err)
	}
	return newVersion, nil
}

// Delete implements Store.
func (s *PGStore) Delete(ctx context.Context, roomID models.RoomID) error {
	const q = `DELETE FROM room_settings WHERE room_id = $1`
	_, err := s.pool.Exec(ctx, q, roomID.String())
	if err != nil {
		return fmt.Errorf("delete settings: %w", err)
	}
	return nil
}
