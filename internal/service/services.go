// Package service contains the business logic for passkey registration,
// authentication, and session management.
package service

import (
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/cache"
	"github.com/sirosfoundation/go-passkey-backend/internal/metrics"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
	"github.com/sirosfoundation/go-passkey-backend/pkg/config"
)

// Services aggregates all business logic services.
type Services struct {
	WebAuthn *WebAuthnService
	Session  *SessionService
}

// NewServices wires up the service layer from the configuration and the
// already-opened storage and cache backends.
func NewServices(
	cfg *config.Config,
	repo storage.Repository,
	store cache.Store,
	recorder metrics.Recorder,
	logger *zap.Logger,
) (*Services, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     []string{cfg.WebAuthn.RPOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn: %w", err)
	}

	sessions := NewSessionService(store, logger, cfg.WebAuthn.SessionTTL())
	webauthnSvc := NewWebAuthnService(repo, store, wa, sessions, recorder, logger, cfg.WebAuthn.ChallengeTTL())

	return &Services{
		WebAuthn: webauthnSvc,
		Session:  sessions,
	}, nil
}
