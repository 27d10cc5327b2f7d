// Package users persists platform users.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/utils"
)

// Repository handles user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a user repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new user with a bcrypt-hashed password. Username
// collisions surface as ErrAlreadyExists.
func (r *Repository) Create(ctx context.Context, username, password string, role models.UserRole) (*models.User, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		ID:           models.UserID(utils.NewID()),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	const q = `INSERT INTO users (id, username, password_hash, role, banned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW(), NOW())
		RETURNING created_at, updated_at`
	err = r.pool.QueryRow(ctx, q, u.ID.String(), u.Username, u.PasswordHash, string(u.Role)).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, synctverr.ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns a user by id.
func (r *Repository) GetByID(ctx context.Context, id models.UserID) (*models.User, error) {
	const q = `SELECT id, username, password_hash, role, banned, created_at, updated_at
		FROM users WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, id.String()))
}

// GetByUsername returns a user by username.
func (r *Repository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	const q = `SELECT id, username, password_hash, role, banned, created_at, updated_at
		FROM users WHERE username = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, username))
}

// Authenticate verifies credentials and account state.
func (r *Repository) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := r.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, synctverr.ErrNotFound) {
			return nil, synctverr.ErrUnauthorized
		}
		return nil, err
	}
	if !utils.CheckPassword(password, u.PasswordHash) {
		return nil, synctverr.ErrUnauthorized
	}
	if u.Banned {
		return nil, synctverr.ErrForbidden
	}
	return u, nil
}

// SetBanned flips a user's ban flag.
func (r *Repository) SetBanned(ctx context.Context, id models.UserID, banned bool) error {
	const q = `UPDATE users SET banned = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id.String(), banned)
	if err != nil {
		return fmt.Errorf("set banned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return synctverr.ErrNotFound
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (*models.User, error) {
	var u models.User
	var id, role string
	err := row.Scan(&id, &u.Username, &u.PasswordHash, &role, &u.Banned, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, synctverr.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = models.UserID(id)
	u.Role = models.UserRole(role)
	return &u, nil
}
