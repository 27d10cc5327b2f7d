package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/synctv-org/synctv/internal/models"
)

func newTestService(t *testing.T) *JWTService {
	t.Helper()
	s, err := NewJWTService("test-secret", NewMemoryBlacklist())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSignAndVerifyAccessToken(t *testing.T) {
	s := newTestService(t)
	token, err := s.SignAccessToken("u1", models.UserRoleUser)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.VerifyAccessToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID() != "u1" || claims.Role != models.UserRoleUser || claims.Typ != TokenAccess {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSignAndVerifyRefreshToken(t *testing.T) {
	s := newTestService(t)
	token, err := s.SignRefreshToken("u1", models.UserRoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.VerifyRefreshToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Typ != TokenRefresh || claims.Role != models.UserRoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTypeEnforcement(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	refresh, _ := s.SignRefreshToken("u1", models.UserRoleUser)
	if _, err := s.VerifyAccessToken(ctx, refresh); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("refresh-as-access err = %v", err)
	}
	access, _ := s.SignAccessToken("u1", models.UserRoleUser)
	if _, err := s.VerifyRefreshToken(ctx, access); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("access-as-refresh err = %v", err)
	}
	if _, err := s.VerifyGuestToken(ctx, access); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("access-as-guest err = %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	s := newTestService(t)
	token, _ := s.SignAccessToken("u1", models.UserRoleUser)
	tampered := token[:len(token)-2] + "xx"
	if _, err := s.VerifyAccessToken(context.Background(), tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	s1 := newTestService(t)
	s2, _ := NewJWTService("other-secret", nil)
	token, _ := s1.SignAccessToken("u1", models.UserRoleUser)
	if _, err := s2.VerifyAccessToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmptySecretRefused(t *testing.T) {
	if _, err := NewJWTService("", nil); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestGuestToken(t *testing.T) {
	s := newTestService(t)
	token, err := s.SignGuestToken("room9")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.VerifyGuestToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.RoomID != "room9" {
		t.Fatalf("room id = %s", claims.RoomID)
	}
	if claims.SessionID == "" {
		t.Fatal("missing session id")
	}
	if !strings.HasPrefix(claims.Subject, "guest:room9:") {
		t.Fatalf("subject = %s", claims.Subject)
	}
	if !s.IsGuestToken(token) {
		t.Fatal("IsGuestToken = false")
	}

	// Two guest tokens for the same room get distinct sessions.
	second, _ := s.SignGuestToken("room9")
	c2, _ := s.VerifyGuestToken(context.Background(), second)
	if c2.SessionID == claims.SessionID {
		t.Fatal("session ids collide")
	}
}

func TestRevokeBlacklistsRemainingLifetime(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	token, _ := s.SignAccessToken("u1", models.UserRoleUser)

	if _, err := s.VerifyAccessToken(ctx, token); err != nil {
		t.Fatalf("pre-revoke verify: %v", err)
	}
	if err := s.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.VerifyAccessToken(ctx, token); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("post-revoke err = %v", err)
	}
	// Other tokens unaffected.
	other, _ := s.SignAccessToken("u1", models.UserRoleUser)
	if _, err := s.VerifyAccessToken(ctx, other); err != nil {
		t.Fatalf("unrelated token: %v", err)
	}
}

func TestMemoryBlacklistExpiry(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()
	_ = b.Revoke(ctx, "tid", 5*time.Millisecond)
	if revoked, _ := b.IsRevoked(ctx, "tid"); !revoked {
		t.Fatal("fresh revocation not visible")
	}
	time.Sleep(10 * time.Millisecond)
	if revoked, _ := b.IsRevoked(ctx, "tid"); revoked {
		t.Fatal("expired revocation still active")
	}
}
