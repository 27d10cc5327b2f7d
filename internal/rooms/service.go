package rooms

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/lock"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/ratelimit"
	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/utils"
)

const (
	// createLockTTL bounds the create-room critical section.
	createLockTTL = 10 * time.Second

	// Password guesses are throttled cluster-wide: brute force from many
	// nodes must share one budget.
	passwordAttempts = 5
	passwordWindow   = time.Minute
)

// Service wraps the repository with the coordination the distributed
// deployment needs: a create lock per user and distributed rate limiting
// on password checks.
type Service struct {
	repo    *Repository
	lock    *lock.DistributedLock // nil on single-node deployments
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewService wires the room service.
func NewService(repo *Repository, dl *lock.DistributedLock, limiter *ratelimit.Limiter, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		lock:    dl,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "room_service")),
	}
}

// Create makes a room for a user. The distributed lock serializes
// concurrent creates by the same user across replicas; persistence remains
// the final safety net, the lock only narrows the race window.
func (s *Service) Create(ctx context.Context, creatorID models.UserID, name, password string) (*models.Room, error) {
	doCreate := func(ctx context.Context) (*models.Room, error) {
		room := &models.Room{
			ID:        models.RoomID(utils.NewID()),
			Name:      name,
			Status:    models.RoomStatusActive,
			CreatorID: creatorID,
		}
		if password != "" {
			hash, err := utils.HashPassword(password)
			if err != nil {
				return nil, err
			}
			room.PasswordHash = hash
		}
		if err := s.repo.Create(ctx, room); err != nil {
			return nil, err
		}
		owner := &models.RoomMember{RoomID: room.ID, UserID: creatorID, Role: models.MemberRoleOwner}
		if err := s.repo.AddMember(ctx, owner); err != nil {
			return nil, err
		}
		s.logger.Info("room created",
			zap.String("room_id", room.ID.String()),
			zap.String("creator_id", creatorID.String()))
		return room, nil
	}

	if s.lock == nil {
		return doCreate(ctx)
	}
	var room *models.Room
	err := s.lock.WithLock(ctx, "create_room:"+creatorID.String(), createLockTTL, func(ctx context.Context) error {
		var err error
		room, err = doCreate(ctx)
		return err
	})
	return room, err
}

// CheckPassword verifies a join password under the distributed rate limit.
// clientKey is the limiter key component (typically the client IP).
func (s *Service) CheckPassword(ctx context.Context, roomID models.RoomID, password, clientKey string) error {
	if s.limiter != nil {
		key := "room_password:" + roomID.String() + ":" + clientKey
		if err := s.limiter.CheckDistributed(ctx, key, passwordAttempts, passwordWindow); err != nil {
			return err
		}
	}
	room, err := s.repo.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.RequiresPassword() {
		return nil
	}
	if !utils.CheckPassword(password, room.PasswordHash) {
		return synctverr.ErrForbidden
	}
	return nil
}

// EffectivePermissions resolves a member's permissions in a room under the
// given settings snapshot.
func (s *Service) EffectivePermissions(ctx context.Context, roomID models.RoomID, userID models.UserID, settings *models.RoomSettings) (models.PermissionBits, error) {
	member, err := s.repo.GetMember(ctx, roomID, userID)
	if err != nil {
		return 0, err
	}
	var roleAdded, roleRemoved models.PermissionBits
	if settings != nil {
		switch member.Role {
		case models.MemberRoleMember:
			roleAdded, roleRemoved = settings.MemberPermissionsAdded, settings.MemberPermissionsRemoved
		case models.MemberRoleGuest:
			roleAdded, roleRemoved = settings.GuestPermissionsAdded, settings.GuestPermissionsRemoved
		}
	}
	return models.EffectivePermissions(member.Role, roleAdded, roleRemoved, member.PermissionsAdded, member.PermissionsRemoved), nil
}
