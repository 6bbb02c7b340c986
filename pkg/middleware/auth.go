// Package middleware provides gin middleware for session authentication,
// request logging, metrics, and rate limiting.
package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/metrics"
	"github.com/sirosfoundation/go-passkey-backend/internal/service"
)

// Context keys set by AuthMiddleware for downstream handlers.
const (
	ContextUserID       = "user_id"
	ContextUsername     = "username"
	ContextSessionToken = "session_token"
)

// AuthMiddleware validates bearer session tokens and sets the user identity
// on the request context. The token is opaque; everything it grants access
// to is looked up server-side.
func AuthMiddleware(sessions *service.SessionService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(401, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(401, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			c.JSON(401, gin.H{"error": "Token required"})
			c.Abort()
			return
		}

		session, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, service.ErrInvalidSession) {
				logger.Error("Failed to validate session", zap.Error(err))
				c.JSON(500, gin.H{"error": "Internal server error"})
			} else {
				c.JSON(401, gin.H{"error": "Invalid or expired session"})
			}
			c.Abort()
			return
		}

		c.Set(ContextUserID, session.UserID)
		c.Set(ContextUsername, session.Username)
		c.Set(ContextSessionToken, token)

		c.Next()
	}
}

// Logger returns a gin middleware that logs each request after it completes.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// Metrics returns a gin middleware that records each request on the
// recorder. The route template is used as the path label so credential IDs
// and other parameters do not explode the label cardinality.
func Metrics(recorder metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		recorder.HTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
