package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/cache"
	"github.com/sirosfoundation/go-passkey-backend/internal/domain"
	"github.com/sirosfoundation/go-passkey-backend/internal/metrics"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
)

var (
	// ErrChallengeNotFound is returned when a finish call has no pending
	// challenge, either because start was never called, the challenge
	// expired, or it was already consumed.
	ErrChallengeNotFound = errors.New("challenge not found or expired")

	// ErrAuthenticationFailed covers every client-attributable
	// authentication failure mode: unknown username, no registered
	// credentials, a bad assertion, and a regressed signature counter.
	// Callers get no more detail than this so responses cannot be used to
	// probe which usernames exist.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNoUsableCredentials is returned when a user has registered
	// credentials but every one of them is missing key material. Unlike
	// ErrAuthenticationFailed this indicates stored-data corruption, not a
	// legitimate unauthenticated user, so it surfaces as a server error.
	ErrNoUsableCredentials = errors.New("no usable credentials")

	// ErrVerificationFailed is returned when an attestation response
	// cannot be parsed or verified during registration.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrCredentialNotFound is returned when a credential lookup misses.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNotCredentialOwner is returned when a caller operates on a
	// credential that belongs to a different user.
	ErrNotCredentialOwner = errors.New("credential does not belong to user")
)

// WebAuthnService drives the two-phase registration and authentication
// ceremonies. Ceremony state lives in the cache between the start and finish
// calls; users and credentials live in the repository.
type WebAuthnService struct {
	repo         storage.Repository
	cache        cache.Store
	webauthn     *webauthn.WebAuthn
	sessions     *SessionService
	metrics      metrics.Recorder
	logger       *zap.Logger
	challengeTTL time.Duration
}

// NewWebAuthnService creates a new WebAuthnService.
func NewWebAuthnService(
	repo storage.Repository,
	store cache.Store,
	wa *webauthn.WebAuthn,
	sessions *SessionService,
	recorder metrics.Recorder,
	logger *zap.Logger,
	challengeTTL time.Duration,
) *WebAuthnService {
	return &WebAuthnService{
		repo:         repo,
		cache:        store,
		webauthn:     wa,
		sessions:     sessions,
		metrics:      recorder,
		logger:       logger.Named("webauthn-service"),
		challengeTTL: challengeTTL,
	}
}

// passkeyUser adapts a domain user and their stored credentials to the
// webauthn.User interface for the ceremony library.
type passkeyUser struct {
	user        *domain.User
	credentials []*domain.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return u.user.ID[:]
}

func (u *passkeyUser) WebAuthnName() string {
	return u.user.Username
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.user.Username
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		creds = append(creds, webauthn.Credential{
			ID:        c.ID,
			PublicKey: c.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: c.Counter,
			},
		})
	}
	return creds
}

func (u *passkeyUser) exclusions() []protocol.CredentialDescriptor {
	descriptors := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for _, c := range u.credentials {
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		})
	}
	return descriptors
}

// BeginRegistration starts a registration ceremony for the username and
// returns the credential creation options to relay to the client. The user
// row is created on first registration; registering again for an existing
// username adds another credential. Any pending registration challenge for
// the username is silently superseded.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, username string) (*protocol.CredentialCreation, error) {
	s.metrics.RegistrationStarted()

	user, err := s.getOrCreateUser(ctx, username)
	if err != nil {
		s.logger.Error("Failed to resolve user", zap.Error(err))
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	credentials, err := s.repo.GetCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	waUser := &passkeyUser{user: user, credentials: credentials}

	options, session, err := s.webauthn.BeginRegistration(waUser,
		webauthn.WithExclusions(waUser.exclusions()),
	)
	if err != nil {
		s.logger.Error("Failed to begin registration", zap.Error(err))
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	if err := s.storeCeremony(ctx, cache.RegistrationKeyPrefix+username, session); err != nil {
		return nil, err
	}

	s.logger.Info("Started registration",
		zap.String("username", username),
		zap.String("user_id", user.ID.String()))

	return options, nil
}

// FinishRegistration consumes the pending registration challenge for the
// username, verifies the attestation response, and persists the new
// credential with its signature counter at zero. The challenge is consumed
// exactly once: a retry with the same response fails with
// ErrChallengeNotFound.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, username string, response []byte) (*domain.Credential, error) {
	session, err := s.consumeCeremony(ctx, cache.RegistrationKeyPrefix+username)
	if err != nil {
		s.metrics.RegistrationFinished(metrics.OutcomeFailure)
		return nil, err
	}

	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		s.metrics.RegistrationFinished(metrics.OutcomeFailure)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrVerificationFailed
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.metrics.RegistrationFinished(metrics.OutcomeFailure)
		s.logger.Error("Failed to parse attestation response",
			zap.String("username", username), zap.Error(err))
		return nil, ErrVerificationFailed
	}

	waUser := &passkeyUser{user: user}
	verified, err := s.webauthn.CreateCredential(waUser, *session, parsed)
	if err != nil {
		s.metrics.RegistrationFinished(metrics.OutcomeFailure)
		s.logger.Error("Failed to verify attestation",
			zap.String("username", username), zap.Error(err))
		return nil, ErrVerificationFailed
	}

	// The counter starts at zero regardless of what the authenticator
	// reported during attestation; monotonicity is enforced from here on.
	credential := domain.NewCredential(verified.ID, user.ID, verified.PublicKey)

	if err := s.repo.SaveCredential(ctx, credential); err != nil {
		s.metrics.RegistrationFinished(metrics.OutcomeFailure)
		s.logger.Error("Failed to save credential",
			zap.String("username", username), zap.Error(err))
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	s.metrics.RegistrationFinished(metrics.OutcomeSuccess)
	s.logger.Info("Credential registered",
		zap.String("username", username),
		zap.String("user_id", user.ID.String()))

	return credential, nil
}

// BeginLogin starts an authentication ceremony for the username and returns
// the credential request options. Unknown usernames and users without
// registered credentials both fail with ErrAuthenticationFailed; a user whose
// credentials all lack key material fails with ErrNoUsableCredentials. Any
// pending authentication challenge for the username is silently superseded.
func (s *WebAuthnService) BeginLogin(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	s.metrics.AuthenticationStarted()

	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Info("Authentication attempt for unknown username",
				zap.String("username", username))
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	credentials, err := s.repo.GetCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	if len(credentials) == 0 {
		s.logger.Info("Authentication attempt for user with no credentials",
			zap.String("username", username))
		return nil, ErrAuthenticationFailed
	}

	usable := credentials[:0]
	for _, c := range credentials {
		if len(c.PublicKey) == 0 {
			// A credential row without key material cannot verify
			// anything. Skip it rather than failing the whole
			// ceremony for the user's remaining passkeys.
			s.logger.Error("Skipping credential with no public key",
				zap.String("username", username),
				zap.String("credential_id", fmt.Sprintf("%x", c.ID)))
			continue
		}
		usable = append(usable, c)
	}

	if len(usable) == 0 {
		// The user registered credentials but every row lost its key
		// material. That is server-side corruption, not a failed login.
		s.logger.Error("All credentials for user are unusable",
			zap.String("username", username),
			zap.Int("credential_count", len(credentials)))
		return nil, ErrNoUsableCredentials
	}

	waUser := &passkeyUser{user: user, credentials: usable}

	options, session, err := s.webauthn.BeginLogin(waUser)
	if err != nil {
		s.logger.Error("Failed to begin login", zap.Error(err))
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}

	if err := s.storeCeremony(ctx, cache.AuthenticationKeyPrefix+username, session); err != nil {
		return nil, err
	}

	s.logger.Info("Started login", zap.String("username", username))

	return options, nil
}

// FinishLogin consumes the pending authentication challenge, verifies the
// assertion, enforces strict signature counter monotonicity, persists the
// new counter, and issues a session token. A reported counter less than or
// equal to the stored one fails the login: it is either a replayed
// assertion or a cloned authenticator.
func (s *WebAuthnService) FinishLogin(ctx context.Context, username string, response []byte) (string, error) {
	session, err := s.consumeCeremony(ctx, cache.AuthenticationKeyPrefix+username)
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		return "", err
	}

	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrAuthenticationFailed
		}
		return "", fmt.Errorf("failed to get user: %w", err)
	}

	credentials, err := s.repo.GetCredentialsByUser(ctx, user.ID)
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		s.logger.Error("Failed to parse assertion response",
			zap.String("username", username), zap.Error(err))
		return "", ErrAuthenticationFailed
	}

	waUser := &passkeyUser{user: user, credentials: credentials}

	verified, err := s.webauthn.ValidateLogin(waUser, *session, parsed)
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		s.logger.Error("Failed to verify assertion",
			zap.String("username", username), zap.Error(err))
		return "", ErrAuthenticationFailed
	}

	stored, err := s.repo.GetCredentialByID(ctx, verified.ID)
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		if errors.Is(err, storage.ErrNotFound) {
			// The assertion verified against a credential the
			// repository no longer holds. Inconsistent state between
			// the stores; the client still sees a generic failure.
			s.logger.Error("Verified credential missing from repository",
				zap.String("username", username),
				zap.String("credential_id", fmt.Sprintf("%x", verified.ID)))
			return "", ErrAuthenticationFailed
		}
		return "", fmt.Errorf("failed to get credential: %w", err)
	}

	// The library only flags counter regressions as a clone warning, so
	// the hard check lives here: the authenticator must report a counter
	// strictly greater than the stored value.
	reported := verified.Authenticator.SignCount
	if reported <= stored.Counter {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		s.logger.Warn("Signature counter did not advance, rejecting login",
			zap.String("username", username),
			zap.Uint32("stored", stored.Counter),
			zap.Uint32("reported", reported))
		return "", ErrAuthenticationFailed
	}

	stored.Counter = reported
	if err := s.repo.UpdateCredential(ctx, stored); err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		s.logger.Error("Failed to persist signature counter",
			zap.String("username", username), zap.Error(err))
		return "", fmt.Errorf("failed to update credential: %w", err)
	}

	token, err := s.sessions.Create(ctx, user)
	if err != nil {
		s.metrics.AuthenticationFinished(metrics.OutcomeFailure)
		return "", err
	}

	s.metrics.AuthenticationFinished(metrics.OutcomeSuccess)
	s.metrics.SessionIssued()
	s.logger.Info("User authenticated",
		zap.String("username", username),
		zap.String("user_id", user.ID.String()))

	return token, nil
}

// ListCredentials returns all credentials registered for the user.
func (s *WebAuthnService) ListCredentials(ctx context.Context, userID uuid.UUID) ([]*domain.Credential, error) {
	credentials, err := s.repo.GetCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return credentials, nil
}

// DeleteCredential removes one of the user's credentials. Deleting a
// credential owned by another user fails with ErrNotCredentialOwner; the
// credential is left untouched.
func (s *WebAuthnService) DeleteCredential(ctx context.Context, userID uuid.UUID, credentialID []byte) error {
	credential, err := s.repo.GetCredentialByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCredentialNotFound
		}
		return fmt.Errorf("failed to get credential: %w", err)
	}

	if credential.UserID != userID {
		s.logger.Warn("Refusing to delete credential owned by another user",
			zap.String("user_id", userID.String()),
			zap.String("owner_id", credential.UserID.String()))
		return ErrNotCredentialOwner
	}

	if err := s.repo.DeleteCredential(ctx, credentialID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	s.logger.Info("Credential deleted",
		zap.String("user_id", userID.String()),
		zap.String("credential_id", fmt.Sprintf("%x", credentialID)))

	return nil
}

// getOrCreateUser returns the existing user for the username or creates a
// new one. A conflict on create means a concurrent request won the race, in
// which case the winner's row is used.
func (s *WebAuthnService) getOrCreateUser(ctx context.Context, username string) (*domain.User, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	user, err = s.repo.CreateUser(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return s.repo.GetUserByUsername(ctx, username)
		}
		return nil, err
	}
	return user, nil
}

// storeCeremony serializes the ceremony session state under the given key,
// replacing any pending ceremony stored there.
func (s *WebAuthnService) storeCeremony(ctx context.Context, key string, session *webauthn.SessionData) error {
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode ceremony state: %w", err)
	}
	if err := s.cache.Set(ctx, key, body, s.challengeTTL); err != nil {
		s.logger.Error("Failed to store ceremony state", zap.Error(err))
		return fmt.Errorf("failed to store ceremony state: %w", err)
	}
	return nil
}

// consumeCeremony atomically fetches and deletes the ceremony state for the
// key, so each challenge verifies at most one response.
func (s *WebAuthnService) consumeCeremony(ctx context.Context, key string) (*webauthn.SessionData, error) {
	body, err := s.cache.GetDel(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to consume ceremony state: %w", err)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(body, &session); err != nil {
		// Stored state we wrote ourselves failed to decode. That is a
		// server-side fault, not an absent challenge.
		s.logger.Error("Failed to decode ceremony state", zap.Error(err))
		return nil, fmt.Errorf("failed to decode ceremony state: %w", err)
	}
	return &session, nil
}
