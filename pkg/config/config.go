package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	WebAuthn WebAuthnConfig `yaml:"webauthn" envconfig:"WEBAUTHN"`
	Storage  StorageConfig  `yaml:"storage" envconfig:"STORAGE"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
	// RateLimit throttles the unauthenticated ceremony endpoints
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
}

// WebAuthnConfig contains the relying-party identity and protocol timing
type WebAuthnConfig struct {
	RPID     string `yaml:"rp_id" envconfig:"RP_ID"`
	RPName   string `yaml:"rp_name" envconfig:"RP_NAME"`
	RPOrigin string `yaml:"rp_origin" envconfig:"RP_ORIGIN"`
	// ChallengeTTLSeconds bounds how long an issued challenge may be consumed
	ChallengeTTLSeconds int `yaml:"challenge_ttl_seconds" envconfig:"CHALLENGE_TTL_SECONDS"`
	// SessionTTLSeconds is the lifetime of issued session tokens
	SessionTTLSeconds int `yaml:"session_ttl_seconds" envconfig:"SESSION_TTL_SECONDS"`
}

// StorageConfig contains credential repository configuration
type StorageConfig struct {
	Type     string         `yaml:"type" envconfig:"TYPE"` // memory, postgres
	Postgres PostgresConfig `yaml:"postgres" envconfig:"POSTGRES"`
}

// PostgresConfig contains PostgreSQL-specific configuration
type PostgresConfig struct {
	DSN               string `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns      int    `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns      int    `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnectRetries    int    `yaml:"connect_retries" envconfig:"CONNECT_RETRIES"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds" envconfig:"RETRY_DELAY_SECONDS"`
}

// RedisConfig contains ephemeral store connection configuration
type RedisConfig struct {
	Address  string `yaml:"address" envconfig:"ADDRESS"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// MetricsConfig controls the Prometheus recorder
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// RateLimitConfig throttles authentication ceremony attempts per username
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxAttempts    int  `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	WindowSeconds  int  `yaml:"window_seconds" envconfig:"WINDOW_SECONDS"`
	LockoutSeconds int  `yaml:"lockout_seconds" envconfig:"LOCKOUT_SECONDS"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("PASSKEY", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		WebAuthn: WebAuthnConfig{
			RPID:                "localhost",
			RPName:              "Passkey Backend",
			RPOrigin:            "http://localhost:8080",
			ChallengeTTLSeconds: 300,
			SessionTTLSeconds:   604800, // 7 days
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxOpenConns:      15,
				MaxIdleConns:      2,
				ConnectRetries:    50,
				RetryDelaySeconds: 2,
			},
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			MaxAttempts:    10,
			WindowSeconds:  60,
			LockoutSeconds: 300,
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn rp_id is required")
	}
	if c.WebAuthn.RPOrigin == "" {
		return fmt.Errorf("webauthn rp_origin is required")
	}
	if u, err := url.Parse(c.WebAuthn.RPOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webauthn rp_origin must be a valid URL: %q", c.WebAuthn.RPOrigin)
	}
	if c.WebAuthn.ChallengeTTLSeconds <= 0 {
		return fmt.Errorf("webauthn challenge_ttl_seconds must be positive")
	}
	if c.WebAuthn.SessionTTLSeconds <= 0 {
		return fmt.Errorf("webauthn session_ttl_seconds must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxAttempts <= 0 {
			return fmt.Errorf("rate_limit max_attempts must be positive")
		}
		if c.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit window_seconds must be positive")
		}
		if c.RateLimit.LockoutSeconds <= 0 {
			return fmt.Errorf("rate_limit lockout_seconds must be positive")
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn is required when storage type is postgres")
		}
	default:
		return fmt.Errorf("invalid storage type: %q (must be memory or postgres)", c.Storage.Type)
	}

	return nil
}

// Address returns the server address in host:port format
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ChallengeTTL returns the challenge lifetime as a Duration
func (w *WebAuthnConfig) ChallengeTTL() time.Duration {
	return time.Duration(w.ChallengeTTLSeconds) * time.Second
}

// SessionTTL returns the session lifetime as a Duration
func (w *WebAuthnConfig) SessionTTL() time.Duration {
	return time.Duration(w.SessionTTLSeconds) * time.Second
}
