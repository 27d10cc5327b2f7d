// Package auth provides the HS256 token primitives: user access/refresh
// tokens, stateless guest tokens, a logout blacklist and the OAuth2 state
// store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/utils"
)

// TokenType discriminates token subjects; verification enforces the type
// matches the call.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenGuest   TokenType = "guest"
)

const (
	// AccessTokenTTL is the user access token lifetime.
	AccessTokenTTL = time.Hour
	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL = 30 * 24 * time.Hour
	// GuestTokenTTL is the guest token lifetime.
	GuestTokenTTL = 4 * time.Hour

	// clockLeeway absorbs inter-node clock skew during verification.
	clockLeeway = 60 * time.Second
)

var (
	// ErrInvalidToken covers parse failures, bad signatures and expiry.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongTokenType is returned when e.g. a refresh token is presented
	// where an access token is required.
	ErrWrongTokenType = errors.New("wrong token type")
	// ErrTokenBlacklisted is returned for tokens revoked by logout.
	ErrTokenBlacklisted = errors.New("token revoked")
)

// Claims are the user token claims.
type Claims struct {
	Role models.UserRole `json:"role"`
	Typ  TokenType       `json:"typ"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a typed id.
func (c *Claims) UserID() models.UserID { return models.UserID(c.Subject) }

// GuestClaims are the guest token claims. Guests are stateless: no
// database record, subject "guest:{room_id}:{session_id}".
type GuestClaims struct {
	RoomID    models.RoomID `json:"room_id"`
	SessionID string        `json:"session_id"`
	Typ       TokenType     `json:"typ"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies tokens.
type JWTService struct {
	secret    []byte
	blacklist Blacklist // nil disables revocation checks
}

// NewJWTService creates the service. The secret must be non-empty.
func NewJWTService(secret string, blacklist Blacklist) (*JWTService, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &JWTService{secret: []byte(secret), blacklist: blacklist}, nil
}

// SignAccessToken issues a 1-hour access token.
func (s *JWTService) SignAccessToken(userID models.UserID, role models.UserRole) (string, error) {
	return s.signUserToken(userID, role, TokenAccess, AccessTokenTTL)
}

// SignRefreshToken issues a 30-day refresh token.
func (s *JWTService) SignRefreshToken(userID models.UserID, role models.UserRole) (string, error) {
	return s.signUserToken(userID, role, TokenRefresh, RefreshTokenTTL)
}

func (s *JWTService) signUserToken(userID models.UserID, role models.UserRole, typ TokenType, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		Typ:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        utils.NewID(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyAccessToken validates an access token and its revocation state.
func (s *JWTService) VerifyAccessToken(ctx context.Context, tokenString string) (*Claims, error) {
	return s.verifyUserToken(ctx, tokenString, TokenAccess)
}

// VerifyRefreshToken validates a refresh token and its revocation state.
func (s *JWTService) VerifyRefreshToken(ctx context.Context, tokenString string) (*Claims, error) {
	return s.verifyUserToken(ctx, tokenString, TokenRefresh)
}

func (s *JWTService) verifyUserToken(ctx context.Context, tokenString string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Typ != want {
		return nil, ErrWrongTokenType
	}
	if s.blacklist != nil && claims.ID != "" {
		revoked, err := s.blacklist.IsRevoked(ctx, claims.ID)
		if err == nil && revoked {
			return nil, ErrTokenBlacklisted
		}
	}
	return claims, nil
}

// SignGuestToken issues a 4-hour guest token bound to one room with a
// fresh random session id.
func (s *JWTService) SignGuestToken(roomID models.RoomID) (string, error) {
	now := time.Now()
	sessionID := utils.NewID()
	claims := GuestClaims{
		RoomID:    roomID,
		SessionID: sessionID,
		Typ:       TokenGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "guest:" + roomID.String() + ":" + sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(GuestTokenTTL)),
			ID:        utils.NewID(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyGuestToken validates a guest token.
func (s *JWTService) VerifyGuestToken(ctx context.Context, tokenString string) (*GuestClaims, error) {
	claims := &GuestClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Typ != TokenGuest {
		return nil, ErrWrongTokenType
	}
	if !strings.HasPrefix(claims.Subject, "guest:") {
		return nil, ErrInvalidToken
	}
	if s.blacklist != nil && claims.ID != "" {
		revoked, err := s.blacklist.IsRevoked(ctx, claims.ID)
		if err == nil && revoked {
			return nil, ErrTokenBlacklisted
		}
	}
	return claims, nil
}

// IsGuestToken reports whether the token carries the guest type without
// enforcing anything else.
func (s *JWTService) IsGuestToken(tokenString string) bool {
	claims := &GuestClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return false
	}
	return claims.Typ == TokenGuest
}

// Revoke blacklists a token for its remaining lifetime (logout).
func (s *JWTService) Revoke(ctx context.Context, tokenString string) error {
	if s.blacklist == nil {
		return nil
	}
	claims := &Claims{}
	if err := s.parse(tokenString, claims); err != nil {
		return err
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return synctverr.ErrUnauthorized
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}
	return s.blacklist.Revoke(ctx, claims.ID, remaining)
}

func (s *JWTService) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithLeeway(clockLeeway))
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
