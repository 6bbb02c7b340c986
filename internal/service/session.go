package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/cache"
	"github.com/sirosfoundation/go-passkey-backend/internal/domain"
)

// ErrInvalidSession is returned when a session token is unknown, expired,
// or its stored record cannot be decoded.
var ErrInvalidSession = errors.New("invalid or expired session")

// Session is the record stored in the cache for each issued bearer token.
// ExpiresAt is checked on every validation in addition to the cache TTL, so
// a session is rejected as soon as either mechanism says it is stale.
type Session struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionService issues and validates opaque bearer session tokens. Tokens
// carry no embedded claims; all session state lives server-side in the cache
// and a token stops working the moment its record is gone.
type SessionService struct {
	cache  cache.Store
	logger *zap.Logger
	ttl    time.Duration
}

// NewSessionService creates a new SessionService.
func NewSessionService(store cache.Store, logger *zap.Logger, ttl time.Duration) *SessionService {
	return &SessionService{
		cache:  store,
		logger: logger.Named("session-service"),
		ttl:    ttl,
	}
}

// Create mints a new opaque token for the user and stores the session record
// under it with the configured TTL.
func (s *SessionService) Create(ctx context.Context, user *domain.User) (string, error) {
	token := uuid.NewString()
	session := Session{
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}

	body, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}

	if err := s.cache.Set(ctx, cache.SessionKeyPrefix+token, body, s.ttl); err != nil {
		s.logger.Error("Failed to store session", zap.Error(err))
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.Info("Session created",
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username))

	return token, nil
}

// Validate looks up the token and returns its session record. It returns
// ErrInvalidSession when the token is unknown or the record's own expiry has
// passed, even if the cache entry still exists.
func (s *SessionService) Validate(ctx context.Context, token string) (*Session, error) {
	body, err := s.cache.Get(ctx, cache.SessionKeyPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		s.logger.Error("Failed to decode stored session", zap.Error(err))
		return nil, ErrInvalidSession
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.cache.Del(ctx, cache.SessionKeyPrefix+token)
		return nil, ErrInvalidSession
	}

	return &session, nil
}

// Destroy removes the session record for the token. Destroying an unknown
// token is not an error.
func (s *SessionService) Destroy(ctx context.Context, token string) error {
	if err := s.cache.Del(ctx, cache.SessionKeyPrefix+token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
