// Package api exposes the passkey ceremonies and credential management over
// HTTP.
package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/cache"
	"github.com/sirosfoundation/go-passkey-backend/internal/service"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
	"github.com/sirosfoundation/go-passkey-backend/pkg/middleware"
)

// Handlers aggregates all HTTP handlers
type Handlers struct {
	services *service.Services
	repo     storage.Repository
	cache    cache.Store
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services *service.Services, repo storage.Repository, store cache.Store, logger *zap.Logger) *Handlers {
	return &Handlers{
		services: services,
		repo:     repo,
		cache:    store,
		logger:   logger.Named("handlers"),
	}
}

// Health reports liveness of the service and its dependencies.
func (h *Handlers) Health(c *gin.Context) {
	ctx := c.Request.Context()

	status := 200
	storageStatus := "ok"
	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Storage ping failed", zap.Error(err))
		storageStatus = "unavailable"
		status = 503
	}

	cacheStatus := "ok"
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Error("Cache ping failed", zap.Error(err))
		cacheStatus = "unavailable"
		status = 503
	}

	overall := "ok"
	if status != 200 {
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"storage": storageStatus,
		"cache":   cacheStatus,
	})
}

type startCeremonyRequest struct {
	Username string `json:"username" binding:"required"`
}

type finishCeremonyRequest struct {
	Username   string          `json:"username" binding:"required"`
	Credential json.RawMessage `json:"credential" binding:"required"`
}

// StartRegistration begins a passkey registration ceremony.
func (h *Handlers) StartRegistration(c *gin.Context) {
	var req startCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Username is required"})
		return
	}

	options, err := h.services.WebAuthn.BeginRegistration(c.Request.Context(), req.Username)
	if err != nil {
		h.logger.Error("Failed to start registration", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to start registration"})
		return
	}

	c.JSON(200, gin.H{"challenge": options})
}

// FinishRegistration verifies the attestation response and stores the new
// credential.
func (h *Handlers) FinishRegistration(c *gin.Context) {
	var req finishCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Username and credential are required"})
		return
	}

	credential, err := h.services.WebAuthn.FinishRegistration(c.Request.Context(), req.Username, req.Credential)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChallengeNotFound):
			c.JSON(400, gin.H{"error": "Challenge not found or expired"})
		case errors.Is(err, service.ErrVerificationFailed):
			c.JSON(400, gin.H{"error": "Credential verification failed"})
		default:
			h.logger.Error("Failed to finish registration", zap.Error(err))
			c.JSON(500, gin.H{"error": "Failed to save credential"})
		}
		return
	}

	c.JSON(200, gin.H{
		"success":       true,
		"credential_id": hex.EncodeToString(credential.ID),
	})
}

// StartAuthentication begins a passkey authentication ceremony. Failures are
// indistinguishable between unknown usernames and users without credentials.
func (h *Handlers) StartAuthentication(c *gin.Context) {
	var req startCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Username is required"})
		return
	}

	options, err := h.services.WebAuthn.BeginLogin(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, service.ErrAuthenticationFailed) {
			c.JSON(401, gin.H{"error": "Authentication failed"})
			return
		}
		h.logger.Error("Failed to start authentication", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(200, gin.H{"options": options})
}

// FinishAuthentication verifies the assertion response and issues a session
// token.
func (h *Handlers) FinishAuthentication(c *gin.Context) {
	var req finishCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Username and credential are required"})
		return
	}

	token, err := h.services.WebAuthn.FinishLogin(c.Request.Context(), req.Username, req.Credential)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChallengeNotFound):
			c.JSON(400, gin.H{"error": "Challenge not found or expired"})
		case errors.Is(err, service.ErrAuthenticationFailed):
			c.JSON(401, gin.H{"error": "Authentication failed"})
		default:
			h.logger.Error("Failed to finish authentication", zap.Error(err))
			c.JSON(500, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(200, gin.H{
		"session_token": token,
		"success":       true,
	})
}

type credentialInfo struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

// ListCredentials returns the authenticated user's registered passkeys. Key
// material is never exposed, only IDs and metadata.
func (h *Handlers) ListCredentials(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	credentials, err := h.services.WebAuthn.ListCredentials(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list credentials", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to fetch credentials"})
		return
	}

	list := make([]credentialInfo, 0, len(credentials))
	for _, cred := range credentials {
		list = append(list, credentialInfo{
			ID:        base64.RawURLEncoding.EncodeToString(cred.ID),
			CreatedAt: cred.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(200, gin.H{"credentials": list})
}

// DeleteCredential removes one of the authenticated user's passkeys. The
// path parameter is the base64url credential ID as returned by
// ListCredentials.
func (h *Handlers) DeleteCredential(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(c.Param("id"))
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid credential ID format"})
		return
	}

	err = h.services.WebAuthn.DeleteCredential(c.Request.Context(), userID, credentialID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCredentialNotFound):
			c.JSON(404, gin.H{"error": "Credential not found"})
		case errors.Is(err, service.ErrNotCredentialOwner):
			c.JSON(403, gin.H{"error": "Cannot delete credential belonging to another user"})
		default:
			h.logger.Error("Failed to delete credential", zap.Error(err))
			c.JSON(500, gin.H{"error": "Failed to delete credential"})
		}
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": "Credential deleted",
	})
}

// Logout destroys the authenticated session so its token stops working
// immediately.
func (h *Handlers) Logout(c *gin.Context) {
	token := c.GetString(middleware.ContextSessionToken)

	if err := h.services.Session.Destroy(c.Request.Context(), token); err != nil {
		h.logger.Error("Failed to destroy session", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(200, gin.H{"success": true})
}

// currentUser pulls the authenticated user ID set by the session middleware.
func (h *Handlers) currentUser(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(401, gin.H{"error": "Invalid or expired session"})
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	if !ok {
		c.JSON(401, gin.H{"error": "Invalid or expired session"})
		return uuid.Nil, false
	}
	return userID, true
}
