package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/synctv-org/synctv/internal/auth"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/pkg/response"
)

const (
	// ContextUserID is the key for the user id in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for the user role in gin context.
	ContextUserRole = "user_role"
)

// JWT validates a Bearer access token and stores the claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.VerifyAccessToken(c.Request.Context(), parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID())
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin gates a route on the platform admin role. Mount after JWT.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok || role.(models.UserRole) != models.UserRoleAdmin {
			response.Forbidden(c, "admin required")
			c.Abort()
			return
		}
		c.Next()
	}
}
