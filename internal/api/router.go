package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/metrics"
	"github.com/sirosfoundation/go-passkey-backend/internal/service"
	"github.com/sirosfoundation/go-passkey-backend/pkg/config"
	"github.com/sirosfoundation/go-passkey-backend/pkg/middleware"
)

// NewRouter builds the gin engine with all routes and middleware attached.
func NewRouter(
	cfg *config.Config,
	handlers *Handlers,
	sessions *service.SessionService,
	recorder metrics.Recorder,
	logger *zap.Logger,
) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(recorder))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.WebAuthn.RPOrigin},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", handlers.Health)

	if h := recorder.Handler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	rl := middleware.NewAuthRateLimiter(cfg.RateLimit, logger)
	throttled := middleware.RateLimit(rl, func(c *gin.Context) string {
		return c.ClientIP()
	})

	webauthn := router.Group("/webauthn")
	{
		// Ceremony endpoints are unauthenticated by nature; they are
		// what authentication bootstraps from.
		webauthn.POST("/register/start", throttled, handlers.StartRegistration)
		webauthn.POST("/register/finish", throttled, handlers.FinishRegistration)
		webauthn.POST("/authenticate/start", throttled, handlers.StartAuthentication)
		webauthn.POST("/authenticate/finish", throttled, handlers.FinishAuthentication)

		protected := webauthn.Group("/")
		protected.Use(middleware.AuthMiddleware(sessions, logger))
		{
			protected.GET("/credentials", handlers.ListCredentials)
			protected.DELETE("/credentials/:id", handlers.DeleteCredential)
			protected.POST("/logout", handlers.Logout)
		}
	}

	return router
}
