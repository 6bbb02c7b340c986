// Package cache provides the ephemeral key-value store used for WebAuthn
// challenge state and session tokens. It is pure storage with expiry; all
// domain knowledge lives in the service layer.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired. Connectivity
// failures are never mapped to ErrNotFound; they surface as their own
// errors so callers can distinguish transient store failure from a missing
// key.
var ErrNotFound = errors.New("key not found")

// Key namespaces. At most one live entry exists per (namespace, subject)
// pair; writing again supersedes the previous entry.
const (
	RegistrationKeyPrefix   = "registration:"
	AuthenticationKeyPrefix = "authentication:"
	SessionKeyPrefix        = "session:"
)

// Store is an expiring byte store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Set stores a value under key, replacing any previous value, and arms
	// the expiry timer.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves the value for key. Returns ErrNotFound when absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel atomically retrieves and removes the value for key. When two
	// callers race on the same key, at most one observes the value; the
	// other gets ErrNotFound.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Del removes a key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// TTL reports the remaining lifetime of key. Returns ErrNotFound when
	// absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping checks if the store is alive
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
