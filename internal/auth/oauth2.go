package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
	"github.com/synctv-org/synctv/pkg/utils"
)

const (
	oauth2KeyPrefix = "oauth2:state:"
	// OAuth2StateTTL bounds how long a login round trip may take.
	OAuth2StateTTL = 5 * time.Minute

	oauth2MemoryCapacity = 4096
)

// OAuth2State is the CSRF-binding payload stored per state token.
type OAuth2State struct {
	InstanceName string         `json:"instance_name"`
	RedirectURL  string         `json:"redirect_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	BindUserID   *models.UserID `json:"bind_user_id,omitempty"`
}

// OAuth2StateStore issues and atomically consumes state tokens. Consumption
// is single-use: a replayed token finds nothing.
type OAuth2StateStore interface {
	Create(ctx context.Context, state OAuth2State) (token string, err error)
	// Consume removes and returns the state; ErrNotFound on unknown or
	// already-used tokens.
	Consume(ctx context.Context, token string) (OAuth2State, error)
}

// RedisOAuth2StateStore is the multi-node store.
type RedisOAuth2StateStore struct {
	client *redis.Client
}

// NewRedisOAuth2StateStore wraps a Redis client.
func NewRedisOAuth2StateStore(client *redis.Client) *RedisOAuth2StateStore {
	return &RedisOAuth2StateStore{client: client}
}

// Create implements OAuth2StateStore.
func (s *RedisOAuth2StateStore) Create(ctx context.Context, state OAuth2State) (string, error) {
	state.CreatedAt = time.Now().UTC()
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode oauth2 state: %w", err)
	}
	token := utils.NewIDWithLength(24)
	if err := s.client.Set(ctx, oauth2KeyPrefix+token, payload, OAuth2StateTTL).Err(); err != nil {
		return "", fmt.Errorf("store oauth2 state: %w", err)
	}
	return token, nil
}

// Consume implements OAuth2StateStore via GETDEL, so a token is spent
// exactly once even under concurrent callbacks.
func (s *RedisOAuth2StateStore) Consume(ctx context.Context, token string) (OAuth2State, error) {
	raw, err := s.client.GetDel(ctx, oauth2KeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return OAuth2State{}, synctverr.ErrNotFound
		}
		return OAuth2State{}, fmt.Errorf("consume oauth2 state: %w", err)
	}
	var state OAuth2State
	if err := json.Unmarshal(raw, &state); err != nil {
		return OAuth2State{}, fmt.Errorf("decode oauth2 state: %w", err)
	}
	return state, nil
}

// MemoryOAuth2StateStore is the single-node fallback; the expirable LRU
// enforces the same TTL.
type MemoryOAuth2StateStore struct {
	cache *expirable.LRU[string, OAuth2State]
}

// NewMemoryOAuth2StateStore creates the fallback store.
func NewMemoryOAuth2StateStore() *MemoryOAuth2StateStore {
	return &MemoryOAuth2StateStore{
		cache: expirable.NewLRU[string, OAuth2State](oauth2MemoryCapacity, nil, OAuth2StateTTL),
	}
}

// Create implements OAuth2StateStore.
func (s *MemoryOAuth2StateStore) Create(_ context.Context, state OAuth2State) (string, error) {
	state.CreatedAt = time.Now().UTC()
	token := utils.NewIDWithLength(24)
	s.cache.Add(token, state)
	return token, nil
}

// Consume implements OAuth2StateStore; Remove-after-Get under the LRU's
// internal lock keeps consumption single-use.
func (s *MemoryOAuth2StateStore) Consume(_ context.Context, token string) (OAuth2State, error) {
	state, ok := s.cache.Get(token)
	if !ok {
		return OAuth2State{}, synctverr.ErrNotFound
	}
	if !s.cache.Remove(token) {
		// Another consumer raced us to the removal; treat as spent.
		return OAuth2State{}, synctverr.ErrNotFound
	}
	return state, nil
}

// ValidateRedirectURL accepts either a local absolute path (not
// protocol-relative) or an http(s) URL without embedded credentials.
// Absolute URLs are logged; the integrator is expected to layer a domain
// allowlist on top.
func ValidateRedirectURL(redirect string, logger *zap.Logger) error {
	if redirect == "" {
		return &synctverr.InvalidInputError{Field: "redirect_url", Reason: "empty"}
	}
	if strings.HasPrefix(redirect, "/") {
		if strings.HasPrefix(redirect, "//") {
			return &synctverr.InvalidInputError{Field: "redirect_url", Reason: "protocol-relative URLs not allowed"}
		}
		return nil
	}
	u, err := url.Parse(redirect)
	if err != nil {
		return &synctverr.InvalidInputError{Field: "redirect_url", Reason: "unparseable"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &synctverr.InvalidInputError{Field: "redirect_url", Reason: "scheme must be http or https"}
	}
	if u.User != nil {
		return &synctverr.InvalidInputError{Field: "redirect_url", Reason: "embedded credentials not allowed"}
	}
	if u.Host == "" {
		return &synctverr.InvalidInputError{Field: "redirect_url", Reason: "missing host"}
	}
	if logger != nil {
		logger.Info("absolute oauth2 redirect accepted", zap.String("host", u.Host))
	}
	return nil
}
