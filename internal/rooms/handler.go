package rooms

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/auth"
	"github.com/synctv-org/synctv/internal/cache"
	"github.com/synctv-org/synctv/internal/middleware"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/settings"
	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/response"
)

// Handler exposes the room HTTP surface.
type Handler struct {
	service  *Service
	repo     *Repository
	settings *settings.Service
	guard    *cache.Protected
	jwt      *auth.JWTService
	states   auth.OAuth2StateStore
	logger   *zap.Logger
}

// NewHandler wires the room routes.
func NewHandler(service *Service, repo *Repository, settingsSvc *settings.Service, guard *cache.Protected, jwt *auth.JWTService, states auth.OAuth2StateStore, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		repo:     repo,
		settings: settingsSvc,
		guard:    guard,
		jwt:      jwt,
		states:   states,
		logger:   logger.With(zap.String("component", "room_handler")),
	}
}

// Register mounts the routes. authed must carry the JWT middleware.
func (h *Handler) Register(public, authed *gin.RouterGroup) {
	authed.POST("/rooms", h.create)
	public.GET("/rooms/:id", h.get)
	public.POST("/rooms/:id/guest-token", h.guestToken)
	authed.PUT("/rooms/:id/settings", h.updateSettings)
	public.POST("/oauth2/state", h.createOAuth2State)
}

func (h *Handler) create(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(models.UserID)

	room, err := h.service.Create(c.Request.Context(), userID, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, synctverr.ErrLockAcquisitionFailed) {
			response.Conflict(c, "operation in progress, try again")
			return
		}
		h.logger.Error("create room", zap.Error(err))
		response.Internal(c, "internal error")
		return
	}
	h.guard.MarkExists(room.ID.String())
	response.Created(c, room)
}

// get resolves a room, consulting the penetration guard before the store.
func (h *Handler) get(c *gin.Context) {
	roomID := models.RoomID(c.Param("id"))
	if exists, known := h.guard.CheckExists(roomID.String()); known && !exists {
		response.NotFound(c, "no such room")
		return
	}

	room, err := h.repo.GetByID(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, synctverr.ErrNotFound) {
			h.guard.MarkNotExists(roomID.String())
			response.NotFound(c, "no such room")
			return
		}
		h.logger.Error("get room", zap.Error(err))
		response.Internal(c, "internal error")
		return
	}
	h.guard.MarkExists(roomID.String())
	response.OK(c, room)
}

// guestToken issues a stateless guest token when the room allows guests.
func (h *Handler) guestToken(c *gin.Context) {
	roomID := models.RoomID(c.Param("id"))
	var req struct {
		Password string `json:"password"`
	}
	_ = c.ShouldBindJSON(&req)

	snap, err := h.settings.Get(c.Request.Context(), roomID)
	if err != nil {
		response.NotFound(c, "no such room")
		return
	}
	if !snap.GuestMode {
		response.Forbidden(c, "guests not allowed in this room")
		return
	}
	if err := h.service.CheckPassword(c.Request.Context(), roomID, req.Password, c.ClientIP()); err != nil {
		var rl *synctverr.RateLimitError
		if errors.As(err, &rl) {
			c.Header("Retry-After", rl.RetryAfter.String())
			response.TooManyRequests(c, "too many attempts")
			return
		}
		response.Forbidden(c, "wrong password")
		return
	}
	token, err := h.jwt.SignGuestToken(roomID)
	if err != nil {
		response.Internal(c, "internal error")
		return
	}
	response.OK(c, gin.H{"token": token})
}

func (h *Handler) updateSettings(c *gin.Context) {
	roomID := models.RoomID(c.Param("id"))
	var req models.RoomSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "malformed settings")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(models.UserID)
	snap, err := h.settings.Get(c.Request.Context(), roomID)
	if err != nil {
		response.NotFound(c, "no such room")
		return
	}
	perms, err := h.service.EffectivePermissions(c.Request.Context(), roomID, userID, &snap)
	if err != nil || !perms.Has(models.PermUpdateSettings) {
		response.Forbidden(c, "not allowed")
		return
	}

	saved, err := h.settings.Set(c.Request.Context(), roomID, req)
	if err != nil {
		if errors.Is(err, synctverr.ErrOptimisticLockConflict) {
			response.Conflict(c, "settings changed concurrently, retry")
			return
		}
		h.logger.Error("update settings", zap.Error(err))
		response.Internal(c, "internal error")
		return
	}
	response.OK(c, saved)
}

func (h *Handler) createOAuth2State(c *gin.Context) {
	var req struct {
		InstanceName string `json:"instance_name" binding:"required"`
		RedirectURL  string `json:"redirect_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "instance_name required")
		return
	}
	if req.RedirectURL != "" {
		if err := auth.ValidateRedirectURL(req.RedirectURL, h.logger); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	token, err := h.states.Create(c.Request.Context(), auth.OAuth2State{
		InstanceName: req.InstanceName,
		RedirectURL:  req.RedirectURL,
	})
	if err != nil {
		response.Internal(c, "internal error")
		return
	}
	response.OK(c, gin.H{"state": token})
}
