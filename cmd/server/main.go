package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/api"
	"github.com/sirosfoundation/go-passkey-backend/internal/cache"
	"github.com/sirosfoundation/go-passkey-backend/internal/metrics"
	"github.com/sirosfoundation/go-passkey-backend/internal/service"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage/memory"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage/postgres"
	"github.com/sirosfoundation/go-passkey-backend/pkg/config"
	"github.com/sirosfoundation/go-passkey-backend/pkg/logging"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Passkey Backend Server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	repo, err := openRepository(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	logger.Info("Storage initialized", zap.String("type", cfg.Storage.Type))

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openCache(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	recorder := newRecorder(cfg)

	services, err := service.NewServices(cfg, repo, store, recorder, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}

	handlers := api.NewHandlers(services, repo, store, logger)
	router := api.NewRouter(cfg, handlers, services.Session, recorder, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxOpenConns:   cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:   cfg.Storage.Postgres.MaxIdleConns,
			ConnectRetries: cfg.Storage.Postgres.ConnectRetries,
			RetryDelay:     time.Duration(cfg.Storage.Postgres.RetryDelaySeconds) * time.Second,
		})
	default:
		return memory.NewRepository(), nil
	}
}

// openCache connects to Redis, or falls back to the in-process store when no
// address is configured. The in-process store does not survive restarts and
// does not share state between replicas; it is meant for development.
func openCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if cfg.Redis.Address == "" {
		return cache.NewMemoryStore(), nil
	}
	return cache.NewRedisStore(ctx, cache.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newRecorder(cfg *config.Config) metrics.Recorder {
	if !cfg.Metrics.Enabled {
		return metrics.NewNop()
	}
	return metrics.NewPrometheusRecorder()
}
